// Package conversation tracks conversations, their status, the pending
// recurring-confirmation flag, and the item history written by the executor.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/pkg/logx"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 512

type Options struct {
	// CacheSize bounds the hot-conversation cache. <= 0 uses the default.
	CacheSize int
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Manager is the entry point for conversation state. Writes go through to the
// store first; the cache only holds what the store accepted.
type Manager struct {
	store Store
	cache *lru.Cache[string, Conversation]
	now   func() time.Time
	log   logx.Logger
}

func NewManager(store Store, opts Options, log logx.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, err := lru.New[string, Conversation](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store: store,
		cache: cache,
		now:   opts.Now,
		log:   log.With(logx.String("comp", "conversation")),
	}, nil
}

// Get returns a copy of conversation id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, ErrNotFound
	}
	if c, ok := m.cache.Get(id); ok {
		return c.clone(), nil
	}
	c, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	m.cache.Add(id, c.clone())
	return c, nil
}

// Create stores a new active conversation. An empty id gets a generated one.
func (m *Manager) Create(ctx context.Context, userID, title, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := m.Get(ctx, id); err == nil {
		return Conversation{}, fmt.Errorf("%w: %s", ErrExists, id)
	} else if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}
	now := m.now()
	c := Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutConversation(ctx, c); err != nil {
		return Conversation{}, err
	}
	m.cache.Add(id, c.clone())
	m.log.Debug("conversation created", logx.String("conversation_id", id), logx.String("user_id", userID))
	return c, nil
}

// Update replaces the stored conversation and stamps UpdatedAt.
func (m *Manager) Update(ctx context.Context, c Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("conversation: id is required")
	}
	c = c.clone()
	c.UpdatedAt = m.now()
	if c.Status == "" {
		c.Status = StatusActive
	}
	if err := m.store.PutConversation(ctx, c); err != nil {
		m.cache.Remove(c.ID)
		return err
	}
	m.cache.Add(c.ID, c)
	return nil
}

// Ensure returns conversation id, creating it when missing.
func (m *Manager) Ensure(ctx context.Context, id, userID string) (Conversation, error) {
	c, err := m.Get(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}
	return m.Create(ctx, userID, "", id)
}

func (m *Manager) SetStatus(ctx context.Context, id string, status Status) error {
	c, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == status {
		return nil
	}
	c.Status = status
	return m.Update(ctx, c)
}

// SetPending stores (or with nil, clears) the pending recurring confirmation
// and flips the status between require_user_input and active accordingly.
func (m *Manager) SetPending(ctx context.Context, id string, p *PendingConfirmation) error {
	c, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if p == nil && c.Pending == nil {
		return nil
	}
	c.Pending = p
	if p != nil {
		c.Status = StatusRequireUserInput
	} else if c.Status == StatusRequireUserInput {
		c.Status = StatusActive
	}
	return m.Update(ctx, c)
}

// AppendItem records one history item and returns it with id and timestamp set.
func (m *Manager) AppendItem(ctx context.Context, in ItemInput) (Item, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return Item{}, errors.New("conversation: item needs a conversation_id")
	}
	if in.Event == "" {
		return Item{}, errors.New("conversation: item needs an event")
	}
	it := Item{
		ID:             strings.TrimSpace(in.ItemID),
		ConversationID: in.ConversationID,
		ThreadID:       in.ThreadID,
		TaskID:         in.TaskID,
		AgentName:      in.AgentName,
		Role:           in.Role,
		Event:          in.Event,
		ComponentType:  in.ComponentType,
		Payload:        in.Payload,
		CreatedAt:      m.now(),
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Role == "" {
		it.Role = RoleSystem
	}
	if err := m.store.AppendItem(ctx, it); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (m *Manager) GetItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	return m.store.ListItems(ctx, f)
}
