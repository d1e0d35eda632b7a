package brain

// longPromptThreshold is the character count past which public prose is
// considered heavy enough for the cloud model.
const longPromptThreshold = 1200

// PolicyFlags is the merged routing policy for one call, derived from
// project settings with environment overrides on top.
type PolicyFlags struct {
	AutoCloudEnabled  bool
	CloudAllowed      bool
	StrictLocal       bool
	MaxCloudChars     int
	MaxCloudItemChars int
}

// decision is the outcome of the initial route rules plus heuristics.
type decision struct {
	route            string
	reason           string
	requiredApproval string
}

// decideRoute applies the ordered routing rules. First match wins.
func decideRoute(req *Request, flags PolicyFlags) decision {
	if flags.StrictLocal || req.StrictLocal {
		return decision{route: RouteLocal, reason: ReasonStrictLocal}
	}

	var hasTelegram, hasScreenshot bool
	var hasFinancial, financialOK bool
	var hasWebPage, hasLongPublic bool
	approved := req.ApprovedScopes[ApprovalCloudFinancial]
	for _, it := range req.ContextItems {
		switch it.SourceType {
		case SourceTelegramText:
			hasTelegram = true
		case SourceScreenshotText:
			hasScreenshot = true
		case SourceFileContent:
			if it.Sensitivity == SensitivityFinancial {
				hasFinancial = true
				financialOK = approved
			}
		case SourceWebPageText:
			hasWebPage = true
		case SourceUserPrompt, SourceSystemNote, SourceInternalSummary:
			if it.Sensitivity != SensitivityFinancial && len(it.Content) >= longPromptThreshold {
				hasLongPublic = true
			}
		}
	}

	switch {
	case hasTelegram:
		return decision{route: RouteLocal, reason: ReasonTelegramPresent}
	case hasScreenshot:
		return decision{route: RouteLocal, reason: ReasonScreenshotPresent}
	case hasFinancial && !financialOK:
		return decision{route: RouteLocal, reason: ReasonFinancialUnapproved, requiredApproval: ApprovalCloudFinancial}
	case hasFinancial && financialOK:
		if flags.CloudAllowed && flags.AutoCloudEnabled {
			return decision{route: RouteCloud, reason: ReasonFinancialApproved}
		}
		return decision{route: RouteLocal, reason: ReasonCloudDisabled}
	case hasWebPage && flags.CloudAllowed && flags.AutoCloudEnabled:
		return decision{route: RouteCloud, reason: ReasonWebPageText}
	case hasLongPublic && flags.CloudAllowed:
		return decision{route: RouteCloud, reason: ReasonLongPublicPrompt}
	default:
		return decision{route: RouteLocal, reason: ReasonDefaultLocal}
	}
}

// heuristicOverride upgrades an unforced LOCAL decision to CLOUD. Forced
// local reasons (privacy drops, strict local, unapproved financial content)
// are never overridden: that would break the privacy invariants.
func heuristicOverride(req *Request, flags PolicyFlags, d decision, localFailures int) decision {
	if d.route != RouteLocal {
		return d
	}
	if !flags.CloudAllowed || !flags.AutoCloudEnabled {
		return d
	}
	switch d.reason {
	case ReasonStrictLocal, ReasonTelegramPresent, ReasonScreenshotPresent, ReasonFinancialUnapproved:
		return d
	}

	allPublic := true
	allWebPage := len(req.ContextItems) > 0
	totalLen := 0
	for _, it := range req.ContextItems {
		if it.Sensitivity == SensitivityFinancial {
			allPublic = false
		}
		if it.SourceType != SourceWebPageText {
			allWebPage = false
		}
		totalLen += len(it.Content)
	}

	heavyKind := req.TaskKind == KindHeavyWriting || req.TaskKind == KindLongForm || req.TaskKind == KindReport
	switch {
	case heavyKind && allPublic:
		return decision{route: RouteCloud, reason: ReasonHeuristicTaskKind}
	case allWebPage && totalLen >= longPromptThreshold:
		return decision{route: RouteCloud, reason: ReasonHeuristicWebVolume}
	case localFailures >= 2:
		return decision{route: RouteCloud, reason: ReasonHeuristicLocalFailing}
	case req.PreferredKind == KindCode && localFailures >= 1:
		return decision{route: RouteCloud, reason: ReasonHeuristicLocalFailing}
	}
	return d
}

// itemsSummaryBySourceType counts the pre-sanitization context items.
func itemsSummaryBySourceType(items []ContextItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.SourceType]++
	}
	return out
}
