package conversation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("conversation not found")
	ErrExists   = errors.New("conversation already exists")
)

type Status string

const (
	StatusActive           Status = "active"
	StatusRequireUserInput Status = "require_user_input"
	StatusInactive         Status = "inactive"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
	RoleAgent  Role = "agent"
)

// Event names a conversation item.
type Event string

const (
	EventPlanRequireUserInput Event = "plan_require_user_input"
	EventPlanRejected         Event = "plan_rejected"
	EventTaskDispatched       Event = "task_dispatched"
	EventTaskCompleted        Event = "task_completed"
	EventTaskFailed           Event = "task_failed"
	EventTaskCancelled        Event = "task_cancelled"
	EventTaskRescheduled      Event = "task_rescheduled"
)

// Component types used by the executor when appending items.
const (
	ComponentPlanNotice  = "plan_notice"
	ComponentTaskStatus  = "task_status"
	ComponentAgentResult = "agent_result"
)

// PendingConfirmation is a recurring intent awaiting a yes/no from the user.
type PendingConfirmation struct {
	Query     string    `json:"query"`
	AgentName string    `json:"agent_name,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	AskedAt   time.Time `json:"asked_at"`
}

// Expired reports whether p is older than ttl. A non-positive ttl never expires.
func (p *PendingConfirmation) Expired(now time.Time, ttl time.Duration) bool {
	if p == nil {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return now.Sub(p.AskedAt) > ttl
}

type Conversation struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id,omitempty"`
	Title     string               `json:"title,omitempty"`
	Status    Status               `json:"status"`
	Pending   *PendingConfirmation `json:"pending,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (c Conversation) clone() Conversation {
	if c.Pending != nil {
		p := *c.Pending
		c.Pending = &p
	}
	return c
}

// Item is one entry in a conversation's history.
type Item struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	Role           Role      `json:"role"`
	Event          Event     `json:"event"`
	ComponentType  string    `json:"component_type,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ItemInput is the argument to Manager.AppendItem. ItemID is optional.
type ItemInput struct {
	ConversationID string
	ThreadID       string
	TaskID         string
	AgentName      string
	Role           Role
	Event          Event
	ComponentType  string
	Payload        string
	ItemID         string
}

// ItemFilter selects items. Empty fields match everything; Limit <= 0 means
// no limit (most recent items are kept when limited).
type ItemFilter struct {
	ConversationID string
	Event          Event
	ComponentType  string
	Limit          int
}

// Match reports whether it passes f.
func (f ItemFilter) Match(it Item) bool {
	if f.ConversationID != "" && it.ConversationID != f.ConversationID {
		return false
	}
	if f.Event != "" && it.Event != f.Event {
		return false
	}
	if f.ComponentType != "" && it.ComponentType != f.ComponentType {
		return false
	}
	return true
}

// Store persists conversations and their items.
type Store interface {
	// GetConversation returns ErrNotFound when id is unknown.
	GetConversation(ctx context.Context, id string) (Conversation, error)
	PutConversation(ctx context.Context, c Conversation) error
	AppendItem(ctx context.Context, it Item) error
	// ListItems returns matching items ordered by creation time.
	ListItems(ctx context.Context, f ItemFilter) ([]Item, error)
}
