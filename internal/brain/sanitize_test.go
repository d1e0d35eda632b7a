package brain

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	in := "api_key=abc123 and Bearer xyz.token plus sk-0123456789abcdef"
	out, n := redactSecrets(in)
	if n != 3 {
		t.Fatalf("redactions = %d, want 3", n)
	}
	for _, leak := range []string{"abc123", "xyz.token", "sk-0123456789abcdef"} {
		if strings.Contains(out, leak) {
			t.Fatalf("secret %q survived: %s", leak, out)
		}
	}
	if !strings.Contains(out, "api_key=[REDACTED]") {
		t.Fatalf("key=value form not preserved: %s", out)
	}
}

func TestRedactSecretsLeavesPlainText(t *testing.T) {
	in := "обычный текст про задачи"
	out, n := redactSecrets(in)
	if n != 0 || out != in {
		t.Fatalf("plain text changed: %q (n=%d)", out, n)
	}
}

func TestDropPrivateItems(t *testing.T) {
	items := []ContextItem{
		{Content: "prompt", SourceType: SourceUserPrompt},
		{Content: "tg", SourceType: SourceTelegramText},
		{Content: "shot", SourceType: SourceScreenshotText},
	}
	kept, summary := dropPrivateItems(items)
	if len(kept) != 1 || kept[0].SourceType != SourceUserPrompt {
		t.Fatalf("kept = %+v", kept)
	}
	if !summary.changed() {
		t.Fatal("summary should report removals")
	}
	if summary.RemovedBySourceType[SourceTelegramText] != 1 || summary.RemovedBySourceType[SourceScreenshotText] != 1 {
		t.Fatalf("removed = %v", summary.RemovedBySourceType)
	}
}

func TestSanitizeForCloudDropsUnapprovedFinancial(t *testing.T) {
	items := []ContextItem{
		{Content: "prompt", SourceType: SourceUserPrompt},
		{Content: "statement", SourceType: SourceFileContent, Sensitivity: SensitivityFinancial},
	}
	kept, summary := sanitizeForCloud(items, false, 0, 0)
	if len(kept) != 1 {
		t.Fatalf("kept %d items, want 1", len(kept))
	}
	if summary.RemovedBySourceType[SourceFileContent] != 1 {
		t.Fatalf("removed = %v", summary.RemovedBySourceType)
	}

	kept, _ = sanitizeForCloud(items, true, 0, 0)
	if len(kept) != 2 {
		t.Fatalf("approved financial dropped anyway, kept %d", len(kept))
	}
}

func TestSanitizeForCloudItemTruncation(t *testing.T) {
	items := []ContextItem{{Content: strings.Repeat("a", 100), SourceType: SourceUserPrompt}}

	kept, summary := sanitizeForCloud(items, false, 100, 0)
	if summary.Truncated || len(kept[0].Content) != 100 {
		t.Fatalf("content at limit was truncated: %+v", summary)
	}

	items[0].Content = strings.Repeat("a", 101)
	kept, summary = sanitizeForCloud(items, false, 100, 0)
	if !summary.Truncated || summary.TruncatedChars != 1 || len(kept[0].Content) != 100 {
		t.Fatalf("limit+1: kept %d chars, summary %+v", len(kept[0].Content), summary)
	}
}

func TestSanitizeForCloudTotalCap(t *testing.T) {
	items := []ContextItem{
		{Content: strings.Repeat("a", 60), SourceType: SourceUserPrompt},
		{Content: strings.Repeat("b", 60), SourceType: SourceWebPageText},
		{Content: strings.Repeat("c", 60), SourceType: SourceWebPageText},
	}
	kept, summary := sanitizeForCloud(items, false, 0, 100)
	if len(kept) != 2 {
		t.Fatalf("kept %d items, want 2 (second cut, third dropped)", len(kept))
	}
	if len(kept[1].Content) != 40 {
		t.Fatalf("second item length = %d, want 40", len(kept[1].Content))
	}
	if !summary.Truncated {
		t.Fatal("summary.Truncated not set")
	}
	if summary.RemovedBySourceType[SourceWebPageText] != 1 {
		t.Fatalf("third item not counted as removed: %v", summary.RemovedBySourceType)
	}
}

func TestSanitizeSummaryChanged(t *testing.T) {
	s := &SanitizeSummary{}
	if s.changed() {
		t.Fatal("empty summary reports changed")
	}
	s.RedactedCount = 1
	if !s.changed() {
		t.Fatal("redaction not reported as change")
	}
}
