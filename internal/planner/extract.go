package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"agentflow/internal/task"
)

var (
	dailyMarker = regexp.MustCompile(`(?i)\b(?:every\s*day|everyday|each\s+day|daily|every\s+(?:morning|afternoon|evening|night))\b`)

	// "at 9", "at 9am", "at 9:30 pm", "at 14:00"
	clockAt = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)?(?:\s|$|[^\w])`)
	// "9am", "9:30 pm", "14:00" without "at"
	clockBare = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)|\b(\d{1,2}):(\d{2})\b`)

	everyN      = regexp.MustCompile(`(?i)\bevery\s+(\d+)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?)\b`)
	everyUnit   = regexp.MustCompile(`(?i)\b(?:every|each)\s+(minute|hour|day|week)\b`)
	everyHalfHr = regexp.MustCompile(`(?i)\bevery\s+half\s+(?:an\s+)?hour\b`)
	adverbUnit  = regexp.MustCompile(`(?i)\b(hourly|daily|weekly)\b`)
)

var unitMinutes = map[string]int{
	"minute": 1,
	"min":    1,
	"hour":   60,
	"hr":     60,
	"day":    24 * 60,
	"week":   7 * 24 * 60,
}

// ExtractSchedule reads schedule language out of free text. A clock time
// next to a daily marker wins over an interval; no schedule language yields
// the zero Schedule.
func ExtractSchedule(text string) task.Schedule {
	if hhmm, ok := extractDailyTime(text); ok {
		return task.DailyAt(hhmm)
	}
	if n, ok := extractInterval(text); ok {
		return task.Every(n)
	}
	return task.Schedule{}
}

func extractDailyTime(text string) (string, bool) {
	if !dailyMarker.MatchString(text) {
		return "", false
	}
	if m := clockAt.FindStringSubmatch(text); m != nil {
		if hhmm, ok := clock(m[1], m[2], m[3]); ok {
			return hhmm, true
		}
	}
	if m := clockBare.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return clock(m[1], m[2], m[3])
		}
		return clock(m[4], m[5], "")
	}
	return "", false
}

func clock(hs, ms, meridiem string) (string, bool) {
	h, err := strconv.Atoi(hs)
	if err != nil {
		return "", false
	}
	m := 0
	if ms != "" {
		if m, err = strconv.Atoi(ms); err != nil {
			return "", false
		}
	}
	switch strings.ToLower(strings.ReplaceAll(meridiem, ".", "")) {
	case "am":
		if h < 1 || h > 12 {
			return "", false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return "", false
		}
		if h != 12 {
			h += 12
		}
	}
	if h > 23 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

func extractInterval(text string) (int, bool) {
	if m := everyN.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n * unitMinutes[singularUnit(m[2])], true
		}
	}
	if everyHalfHr.MatchString(text) {
		return 30, true
	}
	if m := everyUnit.FindStringSubmatch(text); m != nil {
		return unitMinutes[strings.ToLower(m[1])], true
	}
	if m := adverbUnit.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "hourly":
			return 60, true
		case "daily":
			return unitMinutes["day"], true
		case "weekly":
			return unitMinutes["week"], true
		}
	}
	return 0, false
}

func singularUnit(u string) string {
	u = strings.ToLower(u)
	switch {
	case strings.HasPrefix(u, "min"):
		return "min"
	case strings.HasPrefix(u, "hour"):
		return "hour"
	case strings.HasPrefix(u, "hr"):
		return "hr"
	case strings.HasPrefix(u, "day"):
		return "day"
	case strings.HasPrefix(u, "week"):
		return "week"
	}
	return u
}
