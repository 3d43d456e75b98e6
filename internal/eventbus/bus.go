// Package eventbus is a non-blocking in-memory fanout for task lifecycle
// signals. Nothing in the core depends on delivery; the bus is for
// observers (logs, diagnostics).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle topics.
const (
	TopicTaskDispatched = "task.dispatched"
	TopicTaskSucceeded  = "task.succeeded"
	TopicTaskFailed     = "task.failed"
	TopicTaskCancelled  = "task.cancelled"
	TopicTaskDropped    = "task.dropped"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskEvent is the Data of every task.* topic.
type TaskEvent struct {
	TaskID         string
	AgentName      string
	ConversationID string
	State          string
	Run            int
	Took           time.Duration
	Err            string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Delivery happens under the read lock so unsubscribe (which closes the
	// channel under the write lock) can never race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full. Buses not created by New report 0.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// Consume subscribes to b and calls fn for each event until ctx is done.
// It blocks; run it in its own goroutine.
func Consume(ctx context.Context, b Bus, buffer int, fn func(Event)) {
	if b == nil || fn == nil {
		return
	}
	ch, unsub := b.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		}
	}
}
