package task

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrEmptyQuery        = errors.New("task query is required")
	ErrEmptyAgent        = errors.New("task agent_name is required")
)

// PlanningError reports that a request could not be turned into a decision:
// the oracle was unreachable, returned malformed output, or violated the
// decision contract. Callers may retry the identical request; they must not
// retry with a modified query.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err == nil {
		return "planning failed: " + e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("planning failed: %v", e.Err)
	}
	return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Planning wraps err as a PlanningError.
func Planning(reason string, err error) error {
	return &PlanningError{Reason: reason, Err: err}
}

// DispatchError reports a failed remote agent call. The task is marked Failed;
// Payload carries the agent's error payload when one was returned.
type DispatchError struct {
	TaskID    string
	AgentName string
	Payload   string
	Err       error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s to %s failed", e.TaskID, e.AgentName)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Payload != "" {
		msg += " (" + e.Payload + ")"
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ScheduleConfigError rejects an invalid schedule before a task is created.
type ScheduleConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid schedule %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid schedule %s %q: %s", e.Field, e.Value, e.Reason)
}

// StoreWriteWarning reports a failed item/task persistence write. It never
// changes task state; callers log it and continue.
type StoreWriteWarning struct {
	Op  string
	Err error
}

func (e *StoreWriteWarning) Error() string {
	return fmt.Sprintf("store write %s failed: %v", e.Op, e.Err)
}

func (e *StoreWriteWarning) Unwrap() error { return e.Err }

// IsPlanningError reports whether err carries a PlanningError.
func IsPlanningError(err error) bool {
	var pe *PlanningError
	return errors.As(err, &pe)
}

// IsScheduleConfigError reports whether err carries a ScheduleConfigError.
func IsScheduleConfigError(err error) bool {
	var se *ScheduleConfigError
	return errors.As(err, &se)
}
