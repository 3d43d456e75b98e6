package planner

import (
	"context"
	"strings"
	"unicode"

	"agentflow/internal/agent"
	"agentflow/internal/task"
)

const DefaultMinScore = 0.34

// SkillMatchOracle is a deterministic oracle. It picks the agent whose name,
// description and skills share the most words with the query, refuses
// queries containing a blocked phrase, and flags recurring cues.
type SkillMatchOracle struct {
	// MinScore is the share of query words an agent must match to be picked.
	MinScore float64
	Blocked  []string
}

func NewSkillMatchOracle(minScore float64, blocked []string) *SkillMatchOracle {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &SkillMatchOracle{MinScore: minScore, Blocked: append([]string(nil), blocked...)}
}

func (o *SkillMatchOracle) Resolve(ctx context.Context, req OracleRequest) (OracleResult, error) {
	if err := ctx.Err(); err != nil {
		return OracleResult{}, err
	}
	lower := strings.ToLower(req.Query)
	for _, b := range o.Blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" && strings.Contains(lower, b) {
			return OracleResult{Tasks: []OracleTask{}, Adequate: false, Reason: "This request can't be handled."}, nil
		}
	}

	name := req.TargetAgent
	reason := "Pass-through to the specified agent."
	if name == "" {
		name = o.bestMatch(req.Query, req.Agents)
		if name != "" {
			reason = "Selected " + name + " by skill match."
		} else {
			reason = "No agent matched clearly; using the default agent."
		}
	}

	ot := OracleTask{Query: req.Query, AgentName: name, Pattern: string(task.PatternOnce)}
	if req.Confirmed || HasRecurringCue(req.Query) {
		ot.Pattern = string(task.PatternRecurring)
		if s := ExtractSchedule(req.Query); !s.IsNone() {
			sc := s.Config()
			ot.ScheduleConfig = &sc
		}
	}
	return OracleResult{Tasks: []OracleTask{ot}, Adequate: true, Reason: reason}, nil
}

func (o *SkillMatchOracle) bestMatch(query string, cards []agent.Card) string {
	words := tokens(query)
	if len(words) == 0 {
		return ""
	}
	best, bestScore := "", 0.0
	for _, c := range cards {
		vocab := map[string]struct{}{}
		for _, w := range tokens(c.Name + " " + c.Description + " " + strings.Join(c.Skills, " ")) {
			vocab[w] = struct{}{}
		}
		hits := 0
		for _, w := range words {
			if _, ok := vocab[w]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(words))
		if score > bestScore {
			best, bestScore = c.Name, score
		}
	}
	if bestScore < o.MinScore {
		return ""
	}
	return best
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "about": {}, "what": {},
	"latest": {}, "please": {}, "this": {}, "that": {}, "from": {}, "into": {},
	"you": {}, "your": {}, "are": {}, "was": {}, "can": {}, "how": {},
	"all": {}, "any": {}, "give": {}, "tell": {}, "show": {}, "get": {},
}

// tokens lowercases s and returns its distinct words of three or more
// letters, minus stopwords and a trailing plural "s".
func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = strings.TrimSuffix(f, "s")
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
