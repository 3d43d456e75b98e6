package storage

import (
	"context"
	"errors"
	"time"

	"agentflow/internal/conversation"
	"agentflow/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): nothing survives a restart
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the conversation manager and the
// executor.
type Store interface {
	conversation.Store

	// SaveTask upserts a task record by id.
	SaveTask(ctx context.Context, t task.Task) error
	// ListTasks returns every stored task ordered by creation time.
	ListTasks(ctx context.Context) ([]task.Task, error)

	Close() error
}

func limitItems(items []conversation.Item, limit int) []conversation.Item {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}
