package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TopicTaskDispatched, Data: TaskEvent{TaskID: "t1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, TopicTaskDispatched, e.Type)
			assert.False(t, e.Time.IsZero())
			assert.Equal(t, "t1", e.Data.(TaskEvent).TaskID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TopicTaskFailed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(9), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TopicTaskCancelled})
}

func TestConsumeStopsOnContext(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []string
	)
	seen := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		Consume(ctx, b, 8, func(e Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
			select {
			case seen <- struct{}{}:
			default:
			}
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: TopicTaskSucceeded})
		select {
		case <-seen:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, TopicTaskSucceeded)
}
