package brain

import "regexp"

var (
	reKeyValueSecret = regexp.MustCompile(`(?i)(api_key|token|secret|password|passphrase)\s*=\s*\S+`)
	reBearer         = regexp.MustCompile(`(?i)bearer\s+\S+`)
	reSKKey          = regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`)
)

// SanitizeSummary is the payload of llm_request_sanitized.
type SanitizeSummary struct {
	RemovedBySourceType map[string]int `json:"removed_by_source_type,omitempty"`
	RedactedCount       int            `json:"redacted_count"`
	TruncatedChars      int            `json:"truncated_chars"`
	Truncated           bool           `json:"truncated"`
}

func (s *SanitizeSummary) changed() bool {
	return len(s.RemovedBySourceType) > 0 || s.RedactedCount > 0 || s.TruncatedChars > 0
}

// dropPrivateItems removes telegram and screenshot items. Used on the LOCAL
// path when those items forced the route: they stay on the device but are
// still dropped from the model context.
func dropPrivateItems(items []ContextItem) ([]ContextItem, *SanitizeSummary) {
	summary := &SanitizeSummary{RemovedBySourceType: map[string]int{}}
	kept := make([]ContextItem, 0, len(items))
	for _, it := range items {
		if it.SourceType == SourceTelegramText || it.SourceType == SourceScreenshotText {
			summary.RemovedBySourceType[it.SourceType]++
			continue
		}
		kept = append(kept, it)
	}
	if len(summary.RemovedBySourceType) == 0 {
		summary.RemovedBySourceType = nil
	}
	return kept, summary
}

// sanitizeForCloud prepares context items for the cloud route: drops
// telegram/screenshot items and unapproved financial files, redacts secrets,
// truncates each item to maxItemChars and stops adding items once the total
// reaches maxTotalChars.
func sanitizeForCloud(items []ContextItem, approvedFinancial bool, maxItemChars, maxTotalChars int) ([]ContextItem, *SanitizeSummary) {
	summary := &SanitizeSummary{RemovedBySourceType: map[string]int{}}
	kept := make([]ContextItem, 0, len(items))
	total := 0

	for _, it := range items {
		switch it.SourceType {
		case SourceTelegramText, SourceScreenshotText:
			summary.RemovedBySourceType[it.SourceType]++
			continue
		case SourceFileContent:
			if it.Sensitivity == SensitivityFinancial && !approvedFinancial {
				summary.RemovedBySourceType[it.SourceType]++
				continue
			}
		}

		content, redactions := redactSecrets(it.Content)
		summary.RedactedCount += redactions

		if maxItemChars > 0 && len(content) > maxItemChars {
			summary.TruncatedChars += len(content) - maxItemChars
			summary.Truncated = true
			content = content[:maxItemChars]
		}

		if maxTotalChars > 0 {
			if total >= maxTotalChars {
				summary.RemovedBySourceType[it.SourceType]++
				continue
			}
			if total+len(content) > maxTotalChars {
				cut := total + len(content) - maxTotalChars
				summary.TruncatedChars += cut
				summary.Truncated = true
				content = content[:maxTotalChars-total]
			}
		}

		total += len(content)
		it.Content = content
		kept = append(kept, it)
	}

	if len(summary.RemovedBySourceType) == 0 {
		summary.RemovedBySourceType = nil
	}
	return kept, summary
}

// redactSecrets replaces secret-looking spans with [REDACTED] and returns
// the number of replacements.
func redactSecrets(s string) (string, int) {
	count := 0
	s = reKeyValueSecret.ReplaceAllStringFunc(s, func(m string) string {
		count++
		sub := reKeyValueSecret.FindStringSubmatch(m)
		return sub[1] + "=[REDACTED]"
	})
	s = reBearer.ReplaceAllStringFunc(s, func(string) string {
		count++
		return "[REDACTED]"
	})
	s = reSKKey.ReplaceAllStringFunc(s, func(string) string {
		count++
		return "[REDACTED]"
	})
	return s, count
}
