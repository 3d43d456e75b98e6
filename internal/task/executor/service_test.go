package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/conversation"
	"agentflow/internal/storage"
	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []string
	active  map[string]int
	maxSeen map[string]int

	started chan string
	release chan struct{} // nil: answer immediately
	respond func(t task.Task) (agent.Response, error)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		active:  map[string]int{},
		maxSeen: map[string]int{},
		started: make(chan string, 64),
	}
}

func (f *fakeDispatcher) Send(ctx context.Context, agentName string, t task.Task) (agent.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t.ID)
	f.active[t.ID]++
	if f.active[t.ID] > f.maxSeen[t.ID] {
		f.maxSeen[t.ID] = f.active[t.ID]
	}
	release := f.release
	respond := f.respond
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[t.ID]--
		f.mu.Unlock()
	}()

	select {
	case f.started <- t.ID:
	default:
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return agent.Response{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(t)
	}
	return agent.Response{Success: true, Payload: "done: " + t.Query}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeScheduler struct {
	mu           sync.Mutex
	registered   map[string]task.Schedule
	deregistered []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{registered: map[string]task.Schedule{}}
}

func (f *fakeScheduler) Register(id string, s task.Schedule) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id] = s
	return true, nil
}

func (f *fakeScheduler) Deregister(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, id)
	_, ok := f.registered[id]
	delete(f.registered, id)
	return ok
}

func (f *fakeScheduler) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[id]
	return ok
}

type harness struct {
	svc     *Service
	disp    *fakeDispatcher
	sched   *fakeScheduler
	store   storage.Store
	conv    *conversation.Manager
	metrics *Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := storage.NewMemory()
	conv, err := conversation.NewManager(store, conversation.Options{}, logx.Nop())
	require.NoError(t, err)

	h := &harness{
		disp:    newFakeDispatcher(),
		sched:   newFakeScheduler(),
		store:   store,
		conv:    conv,
		metrics: MustNewMetrics(prometheus.NewRegistry()),
	}
	svc, err := New(cfg, Deps{
		Dispatcher: h.disp,
		Items:      conv,
		Repo:       store,
		Scheduler:  h.sched,
		Metrics:    h.metrics,
	}, logx.Nop())
	require.NoError(t, err)
	h.svc = svc
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return h
}

func (h *harness) events(t *testing.T, conversationID string) []conversation.Event {
	t.Helper()
	items, err := h.conv.GetItems(context.Background(), conversation.ItemFilter{ConversationID: conversationID})
	require.NoError(t, err)
	out := make([]conversation.Event, 0, len(items))
	for _, it := range items {
		out = append(out, it.Event)
	}
	return out
}

func onceTask(t *testing.T, query string) task.Task {
	t.Helper()
	tk, err := task.New(task.Spec{Query: query, AgentName: "ResearchAgent", ConversationID: "c1"}, time.Now())
	require.NoError(t, err)
	return tk
}

func recurringTask(t *testing.T, query string, s task.Schedule) task.Task {
	t.Helper()
	tk, err := task.New(task.Spec{Query: query, AgentName: "ResearchAgent", Pattern: task.PatternRecurring, Schedule: s, ConversationID: "c1"}, time.Now())
	require.NoError(t, err)
	return tk
}

func waitStarted(t *testing.T, d *fakeDispatcher) string {
	t.Helper()
	select {
	case id := <-d.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not start")
		return ""
	}
}

func TestSubmitOnceSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	tk := onceTask(t, "What is the weather in Paris?")

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, task.StateSucceeded, outs[0].State)
	assert.Equal(t, "done: What is the weather in Paris?", outs[0].Payload)
	assert.Equal(t, outs[0].Payload, outs[0].Notice())

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, got.State)
	assert.Equal(t, 1, got.Runs)
	assert.Equal(t, tk.Query, got.Query)

	assert.Equal(t, []conversation.Event{conversation.EventTaskDispatched, conversation.EventTaskCompleted}, h.events(t, "c1"))

	stored, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, task.StateSucceeded, stored[0].State)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.dispatches.WithLabelValues("ResearchAgent", "succeeded")))
}

func TestSubmitAgentFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.disp.respond = func(task.Task) (agent.Response, error) {
		return agent.Response{Success: false, Error: "upstream timeout"}, errors.New("status 502")
	}
	tk := onceTask(t, "fetch the report")

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, task.StateFailed, outs[0].State)

	var derr *task.DispatchError
	require.ErrorAs(t, outs[0].Err, &derr)
	assert.Equal(t, "upstream timeout", derr.Payload)
	assert.Contains(t, outs[0].Notice(), "upstream timeout")

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, []conversation.Event{conversation.EventTaskDispatched, conversation.EventTaskFailed}, h.events(t, "c1"))
}

func TestSubmitInadequateRecordsNotice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		decision task.Decision
		want     conversation.Event
	}{
		{name: "rejected", decision: task.Reject("No agent can do that."), want: conversation.EventPlanRejected},
		{
			name: "awaiting confirmation",
			decision: func() task.Decision {
				d := task.Reject("Should I keep you posted every day?")
				d.AwaitingConfirmation = true
				return d
			}(),
			want: conversation.EventPlanRequireUserInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			d := tt.decision
			d.ConversationID = "c1"

			outs, err := h.svc.Submit(context.Background(), d)
			require.NoError(t, err)
			assert.Nil(t, outs)
			assert.Equal(t, []conversation.Event{tt.want}, h.events(t, "c1"))
			assert.Zero(t, h.disp.callCount())
		})
	}
}

func TestSubmitRecurringInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	tk := recurringTask(t, "Monitor AAPL price", task.Every(30))

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, task.StateSucceeded, outs[0].State)
	assert.True(t, h.sched.has(tk.ID))

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, 1, got.Runs)
	assert.Equal(t, []conversation.Event{
		conversation.EventTaskDispatched,
		conversation.EventTaskCompleted,
		conversation.EventTaskRescheduled,
	}, h.events(t, "c1"))
}

func TestRecurringFailureStaysScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.disp.respond = func(task.Task) (agent.Response, error) {
		return agent.Response{Success: false, Error: "agent down"}, errors.New("status 503")
	}
	tk := recurringTask(t, "Monitor BTC price", task.Every(5))

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, task.StateFailed, outs[0].State)
	assert.True(t, h.sched.has(tk.ID))

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, got.State)
	assert.NotEmpty(t, got.LastError)

	events := h.events(t, "c1")
	assert.Equal(t, []conversation.Event{
		conversation.EventTaskDispatched,
		conversation.EventTaskFailed,
		conversation.EventTaskRescheduled,
	}, events)
	failed := 0
	for _, ev := range events {
		if ev == conversation.EventTaskFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	// The next firing still reaches the agent.
	out, err := h.svc.Dispatch(context.Background(), tk.ID)
	require.Error(t, err)
	assert.Equal(t, task.StateFailed, out.State)
	assert.Equal(t, 2, h.disp.callCount())
	assert.True(t, h.sched.has(tk.ID))
}

func TestConcurrentDuplicateSubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	tk := onceTask(t, "only once")

	const n = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Submit(context.Background(), task.Accept("ok", tk)); err != nil {
				assert.Contains(t, err.Error(), "already submitted")
				rejected.Add(1)
				return
			}
			accepted.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), rejected.Load())
	assert.Equal(t, 1, h.disp.callCount())
}

func TestSubmitDailyIsScheduledOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	tk := recurringTask(t, "Daily news digest", task.DailyAt("08:00"))

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Scheduled)
	assert.Equal(t, "Scheduled.", outs[0].Notice())
	assert.Zero(t, h.disp.callCount())
	assert.True(t, h.sched.has(tk.ID))
}

func TestSubmitRecurringWithoutScheduler(t *testing.T) {
	t.Parallel()
	svc, err := New(Config{}, Deps{Dispatcher: newFakeDispatcher()}, logx.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	once := onceTask(t, "one")
	rec := recurringTask(t, "two", task.Every(5))
	_, err = svc.Submit(context.Background(), task.Accept("ok", once, rec))
	require.ErrorIs(t, err, ErrNoScheduler)
	assert.Empty(t, svc.List())
}

func TestFiringsOfOneTaskAreSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 4})
	tk := recurringTask(t, "Track BTC", task.DailyAt("09:00"))
	_, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Dispatch(context.Background(), tk.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, h.disp.callCount())
	h.disp.mu.Lock()
	assert.Equal(t, 1, h.disp.maxSeen[tk.ID])
	h.disp.mu.Unlock()

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Runs)
	assert.Equal(t, task.StatePending, got.State)
}

func TestDistinctTasksRunConcurrently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	h.disp.release = make(chan struct{})

	a := onceTask(t, "a")
	b := onceTask(t, "b")
	done := make(chan []task.Outcome, 1)
	go func() {
		outs, _ := h.svc.Submit(context.Background(), task.Accept("ok", a, b))
		done <- outs
	}()

	started := map[string]bool{waitStarted(t, h.disp): true, waitStarted(t, h.disp): true}
	assert.True(t, started[a.ID])
	assert.True(t, started[b.ID])
	close(h.disp.release)

	outs := <-done
	require.Len(t, outs, 2)
	assert.Equal(t, task.StateSucceeded, outs[0].State)
	assert.Equal(t, task.StateSucceeded, outs[1].State)
}

func TestCancelDiscardsInflightResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.disp.release = make(chan struct{})
	tk := recurringTask(t, "Monitor the deploy", task.Every(10))

	done := make(chan []task.Outcome, 1)
	go func() {
		outs, _ := h.svc.Submit(context.Background(), task.Accept("ok", tk))
		done <- outs
	}()
	waitStarted(t, h.disp)

	require.NoError(t, h.svc.Cancel(context.Background(), tk.ID))
	assert.True(t, h.svc.Cancelled(tk.ID))
	assert.False(t, h.sched.has(tk.ID))
	close(h.disp.release)

	outs := <-done
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Discarded)
	assert.Equal(t, "The task was cancelled.", outs[0].Notice())

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)

	evs := h.events(t, "c1")
	assert.Contains(t, evs, conversation.EventTaskCancelled)
	assert.NotContains(t, evs, conversation.EventTaskCompleted)

	// Idempotent, and further firings are refused.
	require.NoError(t, h.svc.Cancel(context.Background(), tk.ID))
	assert.ErrorIs(t, h.svc.Fire(tk.ID), ErrCancelled)
}

func TestFireBackpressure(t *testing.T) {
	t.Parallel()

	t.Run("backlog full", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{Workers: 1, MaxPendingPerTask: 1})
		h.disp.release = make(chan struct{})
		defer close(h.disp.release)
		tk := recurringTask(t, "Track", task.DailyAt("07:30"))
		_, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
		require.NoError(t, err)

		require.NoError(t, h.svc.Fire(tk.ID))
		waitStarted(t, h.disp)
		require.NoError(t, h.svc.Fire(tk.ID))
		assert.ErrorIs(t, h.svc.Fire(tk.ID), ErrBacklogFull)
		assert.Equal(t, uint64(1), h.svc.Snapshot().Dropped)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("backlog_full")))
	})

	t.Run("queue full", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{Workers: 1, QueueSize: 1, MaxPendingPerTask: 8})
		h.disp.release = make(chan struct{})
		defer close(h.disp.release)
		tk := recurringTask(t, "Track", task.DailyAt("07:30"))
		_, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
		require.NoError(t, err)

		require.NoError(t, h.svc.Fire(tk.ID))
		waitStarted(t, h.disp)
		require.NoError(t, h.svc.Fire(tk.ID))
		assert.ErrorIs(t, h.svc.Fire(tk.ID), ErrQueueFull)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("queue_full")))
	})
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{CircuitTripFailures: 1, CircuitBaseDelay: time.Hour, CircuitMaxDelay: time.Hour})
	h.disp.respond = func(task.Task) (agent.Response, error) {
		return agent.Response{}, errors.New("connection refused")
	}
	tk := onceTask(t, "q")

	outs, err := h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, outs[0].State)

	out, err := h.svc.Resubmit(context.Background(), tk.ID)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, task.StateFailed, out.State)
	assert.Equal(t, 1, h.disp.callCount())
	assert.Equal(t, 1, h.svc.Snapshot().CircuitOpen)
}

func TestResubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	var fail atomic.Bool
	fail.Store(true)
	h.disp.respond = func(tk task.Task) (agent.Response, error) {
		if fail.Load() {
			return agent.Response{Error: "busy"}, errors.New("status 503")
		}
		return agent.Response{Success: true, Payload: "ok"}, nil
	}
	tk := onceTask(t, "q")

	_, err := h.svc.Resubmit(context.Background(), "missing")
	require.ErrorIs(t, err, task.ErrTaskNotFound)

	_, err = h.svc.Submit(context.Background(), task.Accept("ok", tk))
	require.NoError(t, err)

	fail.Store(false)
	out, err := h.svc.Resubmit(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, out.State)

	got, err := h.svc.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Runs)
	assert.Empty(t, got.LastError)

	_, err = h.svc.Resubmit(context.Background(), tk.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	pending := onceTask(t, "pending once")
	inflight := recurringTask(t, "recurring in flight", task.Every(15))
	require.NoError(t, inflight.Transition(task.StateDispatched, time.Now()))
	cancelled := recurringTask(t, "cancelled", task.Every(15))
	require.NoError(t, cancelled.Transition(task.StateCancelled, time.Now()))
	for _, tk := range []task.Task{pending, inflight, cancelled} {
		require.NoError(t, store.SaveTask(ctx, tk))
	}

	sched := newFakeScheduler()
	svc, err := New(Config{}, Deps{Dispatcher: newFakeDispatcher(), Repo: store, Scheduler: sched}, logx.Nop())
	require.NoError(t, err)

	n, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := svc.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, interruptedByRestart, got.LastError)

	got, err = svc.Get(inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, got.State)
	assert.True(t, sched.has(inflight.ID))

	got, err = svc.Get(cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)
	assert.False(t, sched.has(cancelled.ID))
	assert.True(t, svc.Cancelled(cancelled.ID))
}

func TestStoppedAndUnknown(t *testing.T) {
	t.Parallel()
	svc, err := New(Config{}, Deps{Dispatcher: newFakeDispatcher()}, logx.Nop())
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), task.Accept("ok", onceTask(t, "q")))
	require.ErrorIs(t, err, ErrStopped)

	assert.ErrorIs(t, svc.Fire("nope"), task.ErrTaskNotFound)
	assert.True(t, svc.Cancelled("nope"))
	assert.ErrorIs(t, svc.Cancel(context.Background(), "nope"), task.ErrTaskNotFound)

	_, err = New(Config{}, Deps{}, logx.Nop())
	require.Error(t, err)
}
