package brain

import (
	"strings"
	"testing"
)

func publicPrompt(n int) ContextItem {
	return ContextItem{Content: strings.Repeat("а", n), SourceType: SourceUserPrompt, Sensitivity: SensitivityPublic}
}

func openFlags() PolicyFlags {
	return PolicyFlags{AutoCloudEnabled: true, CloudAllowed: true, MaxCloudChars: 24000, MaxCloudItemChars: 8000}
}

func TestDecideRouteStrictLocalWinsOverEverything(t *testing.T) {
	req := &Request{
		StrictLocal:  true,
		ContextItems: []ContextItem{publicPrompt(5000), {Content: "x", SourceType: SourceWebPageText}},
	}
	d := decideRoute(req, openFlags())
	if d.route != RouteLocal || d.reason != ReasonStrictLocal {
		t.Fatalf("got %s/%s, want LOCAL/strict_local", d.route, d.reason)
	}
}

func TestDecideRouteTelegramForcesLocal(t *testing.T) {
	req := &Request{
		TaskKind: KindHeavyWriting,
		ContextItems: []ContextItem{
			publicPrompt(5000),
			{Content: "привет", SourceType: SourceTelegramText},
		},
	}
	d := decideRoute(req, openFlags())
	if d.route != RouteLocal || d.reason != ReasonTelegramPresent {
		t.Fatalf("got %s/%s, want LOCAL/telegram_text_present", d.route, d.reason)
	}
}

func TestDecideRouteScreenshotForcesLocal(t *testing.T) {
	req := &Request{ContextItems: []ContextItem{{Content: "ocr", SourceType: SourceScreenshotText}}}
	d := decideRoute(req, openFlags())
	if d.route != RouteLocal || d.reason != ReasonScreenshotPresent {
		t.Fatalf("got %s/%s, want LOCAL/screenshot_text_present", d.route, d.reason)
	}
}

func TestDecideRouteFinancialUnapproved(t *testing.T) {
	req := &Request{ContextItems: []ContextItem{
		{Content: "statement", SourceType: SourceFileContent, Sensitivity: SensitivityFinancial},
	}}
	d := decideRoute(req, openFlags())
	if d.route != RouteLocal || d.reason != ReasonFinancialUnapproved {
		t.Fatalf("got %s/%s, want LOCAL/financial_file_unapproved", d.route, d.reason)
	}
	if d.requiredApproval != ApprovalCloudFinancial {
		t.Fatalf("requiredApproval = %q, want %q", d.requiredApproval, ApprovalCloudFinancial)
	}
}

func TestDecideRouteFinancialApproved(t *testing.T) {
	req := &Request{
		ApprovedScopes: map[string]bool{ApprovalCloudFinancial: true},
		ContextItems: []ContextItem{
			{Content: "statement", SourceType: SourceFileContent, Sensitivity: SensitivityFinancial},
		},
	}
	d := decideRoute(req, openFlags())
	if d.route != RouteCloud || d.reason != ReasonFinancialApproved {
		t.Fatalf("got %s/%s, want CLOUD/financial_file_approved", d.route, d.reason)
	}

	flags := openFlags()
	flags.CloudAllowed = false
	d = decideRoute(req, flags)
	if d.route != RouteLocal || d.reason != ReasonCloudDisabled {
		t.Fatalf("cloud disabled: got %s/%s, want LOCAL/cloud_disabled", d.route, d.reason)
	}
}

func TestDecideRouteLongPublicPromptBoundary(t *testing.T) {
	under := &Request{ContextItems: []ContextItem{publicPrompt(longPromptThreshold - 1)}}
	if d := decideRoute(under, openFlags()); d.route != RouteLocal {
		t.Fatalf("below threshold routed %s", d.route)
	}
	at := &Request{ContextItems: []ContextItem{publicPrompt(longPromptThreshold)}}
	if d := decideRoute(at, openFlags()); d.route != RouteCloud || d.reason != ReasonLongPublicPrompt {
		t.Fatalf("at threshold: got %s/%s", d.route, d.reason)
	}
}

func TestDecideRouteWebPageNeedsAutoCloud(t *testing.T) {
	req := &Request{ContextItems: []ContextItem{{Content: "page", SourceType: SourceWebPageText}}}
	if d := decideRoute(req, openFlags()); d.route != RouteCloud || d.reason != ReasonWebPageText {
		t.Fatalf("got %s/%s, want CLOUD/web_page_text", d.route, d.reason)
	}
	flags := openFlags()
	flags.AutoCloudEnabled = false
	if d := decideRoute(req, flags); d.route != RouteLocal {
		t.Fatalf("auto disabled: routed %s", d.route)
	}
}

func TestHeuristicNeverOverridesPrivacyReasons(t *testing.T) {
	for _, reason := range []string{ReasonStrictLocal, ReasonTelegramPresent, ReasonScreenshotPresent, ReasonFinancialUnapproved} {
		req := &Request{TaskKind: KindHeavyWriting, ContextItems: []ContextItem{publicPrompt(10)}}
		d := heuristicOverride(req, openFlags(), decision{route: RouteLocal, reason: reason}, 5)
		if d.route != RouteLocal || d.reason != reason {
			t.Fatalf("reason %s was overridden to %s/%s", reason, d.route, d.reason)
		}
	}
}

func TestHeuristicHeavyKindAllPublic(t *testing.T) {
	req := &Request{TaskKind: KindReport, ContextItems: []ContextItem{publicPrompt(10)}}
	d := heuristicOverride(req, openFlags(), decision{route: RouteLocal, reason: ReasonDefaultLocal}, 0)
	if d.route != RouteCloud || d.reason != ReasonHeuristicTaskKind {
		t.Fatalf("got %s/%s, want CLOUD/heuristic_task_kind", d.route, d.reason)
	}

	// A financial item disqualifies the kind heuristic.
	req.ContextItems = append(req.ContextItems, ContextItem{Content: "x", SourceType: SourceInternalSummary, Sensitivity: SensitivityFinancial})
	d = heuristicOverride(req, openFlags(), decision{route: RouteLocal, reason: ReasonDefaultLocal}, 0)
	if d.route != RouteLocal {
		t.Fatalf("financial item should block kind heuristic, routed %s", d.route)
	}
}

func TestHeuristicLocalFailures(t *testing.T) {
	req := &Request{ContextItems: []ContextItem{publicPrompt(10)}}
	if d := heuristicOverride(req, openFlags(), decision{route: RouteLocal, reason: ReasonDefaultLocal}, 1); d.route != RouteLocal {
		t.Fatalf("one failure should stay LOCAL for chat, got %s", d.route)
	}
	if d := heuristicOverride(req, openFlags(), decision{route: RouteLocal, reason: ReasonDefaultLocal}, 2); d.reason != ReasonHeuristicLocalFailing {
		t.Fatalf("two failures: got %s", d.reason)
	}

	code := &Request{PreferredKind: KindCode, ContextItems: []ContextItem{publicPrompt(10)}}
	if d := heuristicOverride(code, openFlags(), decision{route: RouteLocal, reason: ReasonDefaultLocal}, 1); d.reason != ReasonHeuristicLocalFailing {
		t.Fatalf("code with one failure: got %s", d.reason)
	}
}

func TestHeuristicRespectsPolicyGate(t *testing.T) {
	flags := openFlags()
	flags.AutoCloudEnabled = false
	req := &Request{TaskKind: KindHeavyWriting, ContextItems: []ContextItem{publicPrompt(10)}}
	if d := heuristicOverride(req, flags, decision{route: RouteLocal, reason: ReasonDefaultLocal}, 9); d.route != RouteLocal {
		t.Fatalf("auto cloud disabled but heuristic fired: %s", d.route)
	}
}

func TestItemsSummaryBySourceType(t *testing.T) {
	got := itemsSummaryBySourceType([]ContextItem{
		{SourceType: SourceUserPrompt},
		{SourceType: SourceTelegramText},
		{SourceType: SourceTelegramText},
	})
	if got[SourceUserPrompt] != 1 || got[SourceTelegramText] != 2 {
		t.Fatalf("summary = %v", got)
	}
}
