package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentflow/internal/agent"
	"agentflow/internal/task"

	"github.com/kaptinlin/jsonrepair"
)

// Oracle maps a query to a structured plan. Implementations may be wrong or
// adversarial; the planner validates whatever comes back.
type Oracle interface {
	Resolve(ctx context.Context, req OracleRequest) (OracleResult, error)
}

// OracleRequest is what the planner asks the oracle.
type OracleRequest struct {
	TargetAgent string       `json:"target_agent_name,omitempty"`
	Query       string       `json:"query"`
	Agents      []agent.Card `json:"agents,omitempty"`

	// Confirmed is set when the query affirms a pending recurring intent.
	Confirmed    bool   `json:"confirmed,omitempty"`
	PendingQuery string `json:"pending_query,omitempty"`
}

type OracleTask struct {
	Query          string               `json:"query"`
	AgentName      string               `json:"agent_name"`
	Pattern        string               `json:"pattern"`
	ScheduleConfig *task.ScheduleConfig `json:"schedule_config,omitempty"`
}

type OracleResult struct {
	Tasks    []OracleTask `json:"tasks"`
	Adequate bool         `json:"adequate"`
	Reason   string       `json:"reason"`
}

// Validate checks the result's structure. Agent names may be empty; the
// planner falls back to its default agent for those.
func (r OracleResult) Validate() error {
	if !r.Adequate {
		return nil
	}
	if len(r.Tasks) == 0 {
		return errors.New("adequate result without tasks")
	}
	for i, t := range r.Tasks {
		if strings.TrimSpace(t.Query) == "" {
			return fmt.Errorf("task %d: %w", i, task.ErrEmptyQuery)
		}
		if _, err := task.ParsePattern(t.Pattern); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// DecodeOracleResult parses an oracle payload. Markdown code fences are
// stripped and malformed JSON is repaired once before strict decoding.
func DecodeOracleResult(raw string) (OracleResult, error) {
	body := stripFences(raw)
	if body == "" {
		return OracleResult{}, errors.New("empty oracle payload")
	}

	res, err := decodeStrict(body)
	if err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(body)
		if repairErr != nil {
			return OracleResult{}, fmt.Errorf("decode oracle payload: %w", err)
		}
		res, err = decodeStrict(fixed)
		if err != nil {
			return OracleResult{}, fmt.Errorf("decode repaired oracle payload: %w", err)
		}
	}
	if err := res.Validate(); err != nil {
		return OracleResult{}, err
	}
	return res, nil
}

func decodeStrict(body string) (OracleResult, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var res OracleResult
	if err := dec.Decode(&res); err != nil {
		return OracleResult{}, err
	}
	if dec.More() {
		return OracleResult{}, errors.New("trailing data after oracle payload")
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string ("json").
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
