package storage

import (
	"context"
	"sort"
	"sync"

	"agentflow/internal/conversation"
	"agentflow/internal/task"
)

type memoryStore struct {
	mu     sync.RWMutex
	convs  map[string]conversation.Conversation
	items  []conversation.Item
	tasks  map[string]task.Task
	closed bool
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{
		convs: map[string]conversation.Conversation{},
		tasks: map[string]task.Task{},
	}
}

func (s *memoryStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *memoryStore) PutConversation(ctx context.Context, c conversation.Conversation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.convs[c.ID] = copyConversation(c)
	return nil
}

func (s *memoryStore) AppendItem(ctx context.Context, it conversation.Item) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items = append(s.items, it)
	return nil
}

func (s *memoryStore) ListItems(ctx context.Context, f conversation.ItemFilter) ([]conversation.Item, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Item, 0)
	for _, it := range s.items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	return limitItems(out, f.Limit), nil
}

func (s *memoryStore) SaveTask(ctx context.Context, t task.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *memoryStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTasks(s.tasks), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyConversation(c conversation.Conversation) conversation.Conversation {
	if c.Pending != nil {
		p := *c.Pending
		c.Pending = &p
	}
	return c
}

func sortedTasks(m map[string]task.Task) []task.Task {
	out := make([]task.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
