package planner

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reRelative = regexp.MustCompile(`(?i)через\s+(\d+)\s*(минут[уы]?|мин\.?|часа?|часов|ч\.?)`)
	reAnchored = regexp.MustCompile(`(?i)(сегодня|завтра)\s+в\s+(\d{1,2})[:.](\d{2})`)
	reBareTime = regexp.MustCompile(`(?i)\bв\s+(\d{1,2})[:.](\d{2})`)
	reLeadVerb = regexp.MustCompile(`(?i)^(напомни(ть)?( мне)?|поставь напоминание)[\s,:-]*`)
)

// ParseReminder extracts a due time and reminder text from a Russian query.
// Supported forms: relative "через N мин/часов", anchored "сегодня/завтра в
// HH:MM", bare "в HH:MM" (rolls to tomorrow when the time already passed).
// Returns ok=false when no time expression is found.
func ParseReminder(query string, now time.Time, loc *time.Location) (time.Time, string, bool) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	if m := reRelative.FindStringSubmatch(query); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, "", false
		}
		unit := time.Minute
		if strings.HasPrefix(strings.ToLower(m[2]), "час") || strings.HasPrefix(strings.ToLower(m[2]), "ч") {
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit), reminderText(query, m[0]), true
	}

	if m := reAnchored.FindStringSubmatch(query); m != nil {
		hh, mm, ok := clock(m[2], m[3])
		if !ok {
			return time.Time{}, "", false
		}
		due := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, loc)
		if strings.EqualFold(m[1], "завтра") {
			due = due.AddDate(0, 0, 1)
		}
		return due, reminderText(query, m[0]), true
	}

	if m := reBareTime.FindStringSubmatch(query); m != nil {
		hh, mm, ok := clock(m[1], m[2])
		if !ok {
			return time.Time{}, "", false
		}
		due := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, loc)
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		return due, reminderText(query, m[0]), true
	}

	return time.Time{}, "", false
}

func clock(h, m string) (int, int, bool) {
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}

// reminderText strips the matched time phrase and a leading imperative so
// the reminder body reads naturally.
func reminderText(query, timePhrase string) string {
	text := strings.Replace(query, timePhrase, "", 1)
	text = reLeadVerb.ReplaceAllString(strings.TrimSpace(text), "")
	text = strings.Trim(text, " \t,.!-—")
	if text == "" {
		return strings.TrimSpace(query)
	}
	return text
}
