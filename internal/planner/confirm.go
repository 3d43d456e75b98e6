package planner

import (
	"regexp"
	"strings"
	"unicode"
)

// Reply classifies a turn that follows a recurring-confirmation question.
type Reply int

const (
	ReplyOther Reply = iota
	ReplyAffirmative
	ReplyNegative
)

func (r Reply) String() string {
	switch r {
	case ReplyAffirmative:
		return "affirmative"
	case ReplyNegative:
		return "negative"
	default:
		return "other"
	}
}

// Negative phrases are checked first so "no, do it once" is not read as
// consent.
var (
	negativePrefixes = []string{
		"no", "nope", "nah", "don't", "do not", "cancel", "not now",
		"just once", "only once", "one-time", "one time",
	}
	affirmativePrefixes = []string{
		"yes", "y", "yeah", "yep", "yup", "sure", "ok", "okay", "confirm",
		"confirmed", "please do", "do it", "go ahead", "set it up", "set up",
		"sounds good", "absolutely", "of course",
	}
)

// ClassifyReply applies the confirmation grammar to text. pendingQuery is
// the intent awaiting confirmation; repeating it verbatim counts as consent.
func ClassifyReply(text, pendingQuery string) Reply {
	n := normalize(text)
	if n == "" {
		return ReplyOther
	}
	for _, p := range negativePrefixes {
		if hasWordPrefix(n, p) {
			return ReplyNegative
		}
	}
	if pq := normalize(pendingQuery); pq != "" && n == pq {
		return ReplyAffirmative
	}
	for _, p := range affirmativePrefixes {
		if hasWordPrefix(n, p) {
			return ReplyAffirmative
		}
	}
	return ReplyOther
}

var recurringCue = regexp.MustCompile(`(?i)\b(?:` +
	`monitor\w*|track\w*|` +
	`keep\s+me\s+(?:posted|updated|informed)|` +
	`notify\s+me|alert\s+me|remind\s+me|` +
	`each\s+time|every\s+time|whenever|` +
	`every\s+(?:\d+\s+)?(?:other\s+)?(?:minute|min|hour|hr|day|week|month|morning|afternoon|evening|night|weekday)s?|` +
	`every\s+half\s+hour|` +
	`hourly|daily|weekly|monthly|` +
	`regular\s+updates?|periodic\w*|recurring|on\s+a\s+schedule` +
	`)\b`)

// HasRecurringCue reports whether text asks for ongoing or periodic work.
func HasRecurringCue(text string) bool {
	return recurringCue.MatchString(normalizeQuotes(text))
}

func normalize(s string) string {
	s = strings.ToLower(normalizeQuotes(s))
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(s), " ")
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

// hasWordPrefix matches p at the start of s on a word boundary, so "y" does
// not match "yesterday" and "no" does not match "notify".
func hasWordPrefix(s, p string) bool {
	if !strings.HasPrefix(s, p) {
		return false
	}
	if len(s) == len(p) {
		return true
	}
	r := rune(s[len(p)])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
}
