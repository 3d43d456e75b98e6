// Package task holds the value types shared by the planner, executor and
// scheduler: Task, Schedule, Decision and Outcome, plus the typed errors.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Pattern string

const (
	PatternOnce      Pattern = "once"
	PatternRecurring Pattern = "recurring"
)

// ParsePattern maps an oracle/wire value onto a Pattern. Empty means once.
func ParsePattern(s string) (Pattern, error) {
	switch Pattern(strings.ToLower(strings.TrimSpace(s))) {
	case "", PatternOnce:
		return PatternOnce, nil
	case PatternRecurring:
		return PatternRecurring, nil
	default:
		return "", fmt.Errorf("unknown pattern %q", s)
	}
}

type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Task is a unit of work targeted at one remote agent.
//
// Query is immutable after creation. The executor is the only writer once a
// task has been submitted; everyone else works on copies.
type Task struct {
	ID             string    `json:"id"`
	Query          string    `json:"query"`
	AgentName      string    `json:"agent_name"`
	Pattern        Pattern   `json:"pattern"`
	Schedule       Schedule  `json:"schedule"`
	State          State     `json:"state"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ThreadID       string    `json:"thread_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastError      string    `json:"last_error,omitempty"`
	Runs           int       `json:"runs"`
}

// Spec is the input to New.
type Spec struct {
	Query          string
	AgentName      string
	Pattern        Pattern
	Schedule       Schedule
	ConversationID string
	ThreadID       string
	UserID         string
}

// New builds a Pending task with a fresh id. Query is kept byte-for-byte.
func New(s Spec, now time.Time) (Task, error) {
	t := Task{
		ID:             uuid.NewString(),
		Query:          s.Query,
		AgentName:      strings.TrimSpace(s.AgentName),
		Pattern:        s.Pattern,
		Schedule:       s.Schedule,
		State:          StatePending,
		ConversationID: s.ConversationID,
		ThreadID:       s.ThreadID,
		UserID:         s.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Pattern == "" {
		t.Pattern = PatternOnce
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Validate checks the structural invariants of a task.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Query) == "" {
		return ErrEmptyQuery
	}
	if strings.TrimSpace(t.AgentName) == "" {
		return ErrEmptyAgent
	}
	switch t.Pattern {
	case PatternOnce:
		if !t.Schedule.IsNone() {
			return &ScheduleConfigError{Field: "schedule_config", Value: t.Schedule.String(), Reason: "once tasks carry no schedule"}
		}
	case PatternRecurring:
		if err := t.Schedule.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown pattern %q", t.Pattern)
	}
	return nil
}

func (t Task) IsRecurring() bool { return t.Pattern == PatternRecurring }

func (t Task) Terminal() bool {
	switch t.State {
	case StateCancelled:
		return true
	case StateSucceeded, StateFailed:
		return !t.IsRecurring()
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal lifecycle move for t.
//
//	pending    -> dispatched | cancelled
//	dispatched -> succeeded | failed | cancelled
//	succeeded  -> pending (recurring only) | cancelled
//	failed     -> pending (recurring or resubmission) | cancelled
//	cancelled  -> (none)
func (t Task) CanTransition(to State) bool {
	if to == StateCancelled {
		return t.State != StateCancelled
	}
	switch t.State {
	case StatePending:
		return to == StateDispatched
	case StateDispatched:
		return to == StateSucceeded || to == StateFailed
	case StateSucceeded:
		return to == StatePending && t.IsRecurring()
	case StateFailed:
		return to == StatePending
	default:
		return false
	}
}

// Transition moves t to state `to`, stamping UpdatedAt.
func (t *Task) Transition(to State, now time.Time) error {
	if !t.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.State, to, t.ID)
	}
	t.State = to
	t.UpdatedAt = now
	if to == StateDispatched {
		t.Runs++
	}
	if to == StateSucceeded {
		t.LastError = ""
	}
	return nil
}
