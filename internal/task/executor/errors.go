package executor

import "errors"

var (
	ErrStopped     = errors.New("executor stopped")
	ErrQueueFull   = errors.New("executor queue full")
	ErrBacklogFull = errors.New("task backlog full")
	ErrCircuitOpen = errors.New("agent circuit breaker open")
	ErrCancelled   = errors.New("task cancelled")
	ErrNoScheduler = errors.New("recurring task submitted without a scheduler")
)
