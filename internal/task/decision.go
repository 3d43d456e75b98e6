package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decision is the planner's answer for one request: either accepted tasks, or
// a refusal / clarifying question with no tasks.
type Decision struct {
	Tasks    []Task `json:"tasks"`
	Adequate bool   `json:"adequate"`
	Reason   string `json:"reason"`

	ConversationID       string `json:"conversation_id,omitempty"`
	ThreadID             string `json:"thread_id,omitempty"`
	AwaitingConfirmation bool   `json:"awaiting_confirmation,omitempty"`
}

// Reject builds an inadequate decision. An empty reason is replaced so the
// decision stays valid.
func Reject(reason string) Decision {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "The request could not be planned."
	}
	return Decision{Tasks: []Task{}, Adequate: false, Reason: reason}
}

// Accept builds an adequate decision for tasks.
func Accept(reason string, tasks ...Task) Decision {
	return Decision{Tasks: tasks, Adequate: true, Reason: reason}
}

// Validate enforces the decision invariants: inadequate => no tasks and a
// reason; adequate => at least one structurally valid task.
func (d Decision) Validate() error {
	if !d.Adequate {
		if len(d.Tasks) != 0 {
			return errors.New("inadequate decision carries tasks")
		}
		if strings.TrimSpace(d.Reason) == "" {
			return errors.New("inadequate decision needs a reason")
		}
		return nil
	}
	if d.AwaitingConfirmation {
		return errors.New("adequate decision cannot await confirmation")
	}
	if len(d.Tasks) == 0 {
		return errors.New("adequate decision has no tasks")
	}
	for i, t := range d.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// Outcome is the result of one dispatch of one task.
type Outcome struct {
	TaskID    string        `json:"task_id"`
	AgentName string        `json:"agent_name"`
	State     State         `json:"state"`
	Payload   string        `json:"payload,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`

	// Discarded is set when the task was cancelled while the dispatch was in
	// flight; the remote result was dropped.
	Discarded bool `json:"discarded,omitempty"`
	// Scheduled is set for a DailyTime task that was registered but not
	// dispatched yet.
	Scheduled bool `json:"scheduled,omitempty"`
}

const dispatchFailedNotice = "The task could not be completed."

// Notice is the user-facing text for a finished outcome.
func (o Outcome) Notice() string {
	switch {
	case o.Scheduled:
		return "Scheduled."
	case o.Discarded || o.State == StateCancelled:
		return "The task was cancelled."
	case o.State == StateFailed:
		var de *DispatchError
		if errors.As(o.Err, &de) && de.Payload != "" {
			return dispatchFailedNotice + " " + de.Payload
		}
		if o.Payload != "" {
			return dispatchFailedNotice + " " + o.Payload
		}
		return dispatchFailedNotice
	default:
		return o.Payload
	}
}
