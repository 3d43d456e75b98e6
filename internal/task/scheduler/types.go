package scheduler

import (
	"sync"
	"time"

	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const DefaultInterval = 60 * time.Minute

const dropWarnEvery = 5 * time.Second

// Config controls the scheduler.
type Config struct {
	Timezone        string        // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	DefaultInterval time.Duration // cadence for tasks without a schedule; 0 means 60m
}

// Trigger receives firings. Fire must not block.
type Trigger interface {
	Fire(taskID string) error
	Cancelled(taskID string) bool
}

// EntryState is the per-task scheduler state.
type EntryState string

const (
	StateArmed  EntryState = "armed"
	StateFiring EntryState = "firing"
)

type entry struct {
	taskID       string
	schedule     task.Schedule
	spec         string
	sched        cron.Schedule
	entryID      cron.EntryID
	state        EntryState
	registeredAt time.Time
	fired        uint64
	lastFired    time.Time
	dropped      uint64
	dropWarn     *rate.Sometimes
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	trigger Trigger

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry
}

type EntryInfo struct {
	TaskID    string        `json:"task_id"`
	Schedule  task.Schedule `json:"schedule"`
	Spec      string        `json:"spec"`
	State     EntryState    `json:"state"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	Fired     uint64        `json:"fired"`
	Dropped   uint64        `json:"dropped"`
	LastFired time.Time     `json:"last_fired,omitempty"`
}

type Snapshot struct {
	Running         bool          `json:"running"`
	Timezone        string        `json:"timezone"`
	DefaultInterval time.Duration `json:"default_interval"`
	Entries         []EntryInfo   `json:"entries"`
}
