package executor

import (
	"context"
	"sync"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/conversation"
	"agentflow/internal/task"
)

// Config controls the executor.
type Config struct {
	Workers   int
	QueueSize int

	// MaxPendingPerTask bounds queued firings of a single task.
	MaxPendingPerTask int

	// DispatchTimeout bounds one remote call. 0 means 5m.
	DispatchTimeout time.Duration

	// AgentRatePerSec limits dispatches per agent. 0 disables.
	AgentRatePerSec float64
	AgentBurst      int

	HistorySize int

	// Per-agent consecutive-failure circuit breaker.
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxPendingPerTask <= 0 {
		c.MaxPendingPerTask = 8
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Minute
	}
	if c.AgentRatePerSec < 0 {
		c.AgentRatePerSec = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Dispatcher delivers one task to a remote agent.
type Dispatcher interface {
	Send(ctx context.Context, agentName string, t task.Task) (agent.Response, error)
}

// ItemRecorder appends conversation history items.
type ItemRecorder interface {
	AppendItem(ctx context.Context, in conversation.ItemInput) (conversation.Item, error)
}

// Repository persists task records.
type Repository interface {
	SaveTask(ctx context.Context, t task.Task) error
	ListTasks(ctx context.Context) ([]task.Task, error)
}

// Scheduler arms recurring tasks.
type Scheduler interface {
	Register(taskID string, s task.Schedule) (bool, error)
	Deregister(taskID string) bool
}

type source string

const (
	sourceSubmit   source = "submit"
	sourceDispatch source = "dispatch"
	sourceSchedule source = "schedule"
	sourceResubmit source = "resubmit"
)

// firing is one queued dispatch request. done is nil for scheduler firings.
type firing struct {
	src  source
	done chan task.Outcome
}

// entry is the executor's record of one task. All firings of a task are
// drained by a single worker at a time, in order.
type entry struct {
	mu       sync.Mutex
	task     task.Task
	pending  []firing
	active   bool // queued on the ready channel or being drained
	inflight bool
}

type HistoryItem struct {
	TaskID    string        `json:"task_id"`
	AgentName string        `json:"agent_name"`
	Source    string        `json:"source"`
	State     task.State    `json:"state"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Discarded bool          `json:"discarded,omitempty"`
}

type Snapshot struct {
	Running           bool               `json:"running"`
	Workers           int                `json:"workers"`
	QueueCap          int                `json:"queue_cap"`
	Queued            int64              `json:"queued"`
	InFlight          int64              `json:"in_flight"`
	MaxPendingPerTask int                `json:"max_pending_per_task"`
	Tasks             map[task.State]int `json:"tasks"`
	Dropped           uint64             `json:"dropped"`
	CircuitTotal      int                `json:"circuit_total"`
	CircuitOpen       int                `json:"circuit_open"`
	History           []HistoryItem      `json:"history"`
}
