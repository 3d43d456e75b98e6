// Package executor owns accepted tasks: it dispatches them to remote agents,
// drives their lifecycle, and re-fires recurring tasks on behalf of the
// scheduler.
//
// Distinct tasks dispatch concurrently on a bounded worker pool. Firings of
// one task are serialized: a single worker drains a task's queued firings in
// FIFO order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentflow/internal/conversation"
	"agentflow/internal/eventbus"
	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const warnThrottleEvery = 5 * time.Second

type Deps struct {
	Dispatcher Dispatcher
	Items      ItemRecorder // optional
	Repo       Repository   // optional
	Scheduler  Scheduler    // optional until a recurring task arrives
	Bus        eventbus.Bus // optional
	Metrics    *Metrics     // optional
	Now        func() time.Time
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	now     func() time.Time

	dispatcher Dispatcher
	items      ItemRecorder
	repo       Repository
	sched      Scheduler

	tmu   sync.RWMutex
	tasks map[string]*entry

	// ready holds entries with queued firings; slots bounds queued firings.
	// An entry is on ready at most once and only while it holds a slot, so a
	// push to ready never blocks.
	ready chan *entry
	slots *semaphore.Weighted

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopCh  chan struct{}

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	queued   atomic.Int64
	inflight atomic.Int64
	dropped  atomic.Uint64

	lastDropWarnAt atomic.Int64
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("executor: dispatcher is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "executor")),
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		now:        deps.Now,
		dispatcher: deps.Dispatcher,
		items:      deps.Items,
		repo:       deps.Repo,
		sched:      deps.Scheduler,
		tasks:      map[string]*entry{},
		ready:      make(chan *entry, cfg.QueueSize),
		slots:      semaphore.NewWeighted(int64(cfg.QueueSize)),
		limiters:   map[string]*rate.Limiter{},
	}, nil
}

// SetScheduler wires the scheduler after construction; the scheduler itself
// needs the executor as its trigger.
func (s *Service) SetScheduler(sc Scheduler) {
	s.mu.Lock()
	s.sched = sc
	s.mu.Unlock()
}

func (s *Service) scheduler() Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Apply swaps the runtime-tunable settings. Workers and QueueSize are fixed
// for the lifetime of the Service.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	cfg.Workers = prev.Workers
	cfg.QueueSize = prev.QueueSize
	s.cfg = cfg
	s.mu.Unlock()

	if prev.AgentRatePerSec != cfg.AgentRatePerSec || prev.AgentBurst != cfg.AgentBurst {
		s.limMu.Lock()
		s.limiters = map[string]*rate.Limiter{}
		s.limMu.Unlock()
	}
	s.log.Debug("config applied",
		logx.Int("max_pending_per_task", cfg.MaxPendingPerTask),
		logx.Float64("agent_rate_per_sec", cfg.AgentRatePerSec),
		logx.Duration("dispatch_timeout", cfg.DispatchTimeout),
	)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	s.running = true
	s.runCtx = gctx
	s.cancel = cancel
	s.group = g
	s.stopCh = make(chan struct{})
	s.log.Info("executor started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("max_pending_per_task", s.cfg.MaxPendingPerTask),
	)
}

// Stop cancels in-flight dispatches and waits for workers to exit. Queued
// firings stay queued and are drained after a later Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) lifecycle() (bool, context.Context, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.runCtx, s.stopCh
}

// Submit accepts a decision. A rejected decision is recorded on its
// conversation and yields no outcomes. Every task is validated before any is
// registered; once tasks and non-daily recurring tasks are dispatched
// immediately and Submit waits for their outcomes.
func (s *Service) Submit(ctx context.Context, d task.Decision) ([]task.Outcome, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decision: %w", err)
	}
	if !d.Adequate {
		ev := conversation.EventPlanRejected
		if d.AwaitingConfirmation {
			ev = conversation.EventPlanRequireUserInput
		}
		s.record(ctx, conversation.ItemInput{
			ConversationID: d.ConversationID,
			ThreadID:       d.ThreadID,
			Role:           conversation.RoleSystem,
			Event:          ev,
			ComponentType:  conversation.ComponentPlanNotice,
			Payload:        d.Reason,
		})
		return nil, nil
	}

	running, _, _ := s.lifecycle()
	if !running {
		return nil, ErrStopped
	}
	sched := s.scheduler()

	// Validate everything before registering anything. The check and the
	// insert share one write lock so concurrent submits of an id cannot both pass.
	entries := make([]*entry, 0, len(d.Tasks))
	s.tmu.Lock()
	for _, t := range d.Tasks {
		if _, exists := s.tasks[t.ID]; exists {
			s.tmu.Unlock()
			return nil, fmt.Errorf("task %s already submitted", t.ID)
		}
		if t.State != task.StatePending {
			s.tmu.Unlock()
			return nil, fmt.Errorf("task %s: %w: submitted in state %s", t.ID, task.ErrInvalidTransition, t.State)
		}
		if t.IsRecurring() && sched == nil {
			s.tmu.Unlock()
			return nil, ErrNoScheduler
		}
	}
	for _, t := range d.Tasks {
		e := &entry{task: t}
		s.tasks[t.ID] = e
		entries = append(entries, e)
	}
	s.tmu.Unlock()

	for _, e := range entries {
		s.persist(ctx, e.task)
		if e.task.IsRecurring() {
			if _, err := sched.Register(e.task.ID, e.task.Schedule); err != nil {
				// Unreachable for validated schedules.
				return nil, fmt.Errorf("register %s: %w", e.task.ID, err)
			}
			s.log.Info("recurring task registered",
				logx.String("task_id", e.task.ID),
				logx.String("agent", e.task.AgentName),
				logx.String("schedule", e.task.Schedule.String()),
			)
		}
	}

	outs := make([]task.Outcome, len(entries))
	dones := make([]chan task.Outcome, len(entries))
	var firstErr error
	for i, e := range entries {
		t := e.task
		outs[i] = task.Outcome{TaskID: t.ID, AgentName: t.AgentName, State: task.StatePending}
		if t.IsRecurring() && t.Schedule.Kind == task.ScheduleDailyTime {
			// Daily tasks are future-only: the first run is the next HH:MM.
			outs[i].Scheduled = true
			continue
		}
		done := make(chan task.Outcome, 1)
		if err := s.enqueue(ctx, e, firing{src: sourceSubmit, done: done}, true); err != nil {
			outs[i].Err = err
			outs[i].Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dones[i] = done
	}
	for i, done := range dones {
		if done == nil {
			continue
		}
		out, err := s.wait(ctx, done)
		if err != nil {
			outs[i].Err = err
			outs[i].Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outs[i] = out
	}
	return outs, firstErr
}

// Dispatch synchronously fires taskID once and returns its outcome.
func (s *Service) Dispatch(ctx context.Context, taskID string) (task.Outcome, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return task.Outcome{}, err
	}
	done := make(chan task.Outcome, 1)
	if err := s.enqueue(ctx, e, firing{src: sourceDispatch, done: done}, true); err != nil {
		return task.Outcome{}, err
	}
	out, err := s.wait(ctx, done)
	if err != nil {
		return task.Outcome{}, err
	}
	return out, out.Err
}

// Fire queues a firing of taskID without blocking. It is the scheduler's
// entry point; a full queue or backlog drops the firing.
func (s *Service) Fire(taskID string) error {
	e, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	err = s.enqueue(context.Background(), e, firing{src: sourceSchedule}, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		s.onDropped(e, "queue_full")
	case errors.Is(err, ErrBacklogFull):
		s.onDropped(e, "backlog_full")
	}
	return err
}

// Cancelled reports whether taskID is cancelled. Unknown ids count as
// cancelled so stale scheduler entries get cleaned up.
func (s *Service) Cancelled(taskID string) bool {
	e, err := s.lookup(taskID)
	if err != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.State == task.StateCancelled
}

// Cancel marks taskID Cancelled, deregisters it and drops its queued
// firings. An in-flight dispatch finishes but its result is discarded.
// Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	e, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.task.State == task.StateCancelled {
		e.mu.Unlock()
		return nil
	}
	if err := e.task.Transition(task.StateCancelled, s.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	// Queued firings keep their slots until a worker pops them; only the
	// waiters are released here.
	dropped := 0
	for i := range e.pending {
		dropped++
		if e.pending[i].done != nil {
			e.pending[i].done <- s.discarded(e.task)
			e.pending[i].done = nil
		}
	}
	inflight := e.inflight
	snap := e.task
	e.mu.Unlock()

	if sc := s.scheduler(); sc != nil && snap.IsRecurring() {
		sc.Deregister(snap.ID)
	}
	for i := 0; i < dropped; i++ {
		s.metrics.incDropped("cancelled")
	}
	s.persist(ctx, snap)
	s.record(ctx, itemFor(snap, conversation.EventTaskCancelled, conversation.ComponentTaskStatus, "Task cancelled."))
	s.publish(eventbus.TopicTaskCancelled, snap, 0, "")
	s.log.Info("task cancelled",
		logx.String("task_id", snap.ID),
		logx.Int("dropped_firings", dropped),
		logx.Bool("inflight", inflight),
	)
	return nil
}

// Resubmit moves a Failed task back to Pending and dispatches it once.
func (s *Service) Resubmit(ctx context.Context, taskID string) (task.Outcome, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return task.Outcome{}, err
	}
	e.mu.Lock()
	if e.task.State != task.StateFailed {
		st := e.task.State
		e.mu.Unlock()
		return task.Outcome{}, fmt.Errorf("%w: resubmit requires failed, task is %s", task.ErrInvalidTransition, st)
	}
	if err := e.task.Transition(task.StatePending, s.now()); err != nil {
		e.mu.Unlock()
		return task.Outcome{}, err
	}
	snap := e.task
	e.mu.Unlock()
	s.persist(ctx, snap)

	done := make(chan task.Outcome, 1)
	if err := s.enqueue(ctx, e, firing{src: sourceResubmit, done: done}, true); err != nil {
		return task.Outcome{}, err
	}
	out, err := s.wait(ctx, done)
	if err != nil {
		return task.Outcome{}, err
	}
	return out, out.Err
}

func (s *Service) Get(taskID string) (task.Task, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return task.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns every known task ordered by creation time.
func (s *Service) List() []task.Task {
	s.tmu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.tmu.RUnlock()

	out := make([]task.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	running, _, _ := s.lifecycle()

	counts := map[task.State]int{}
	for _, t := range s.List() {
		counts[t.State]++
	}
	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.circuitSnapshot(s.now())
	return Snapshot{
		Running:           running,
		Workers:           cfg.Workers,
		QueueCap:          cfg.QueueSize,
		Queued:            s.queued.Load(),
		InFlight:          s.inflight.Load(),
		MaxPendingPerTask: cfg.MaxPendingPerTask,
		Tasks:             counts,
		Dropped:           s.dropped.Load(),
		CircuitTotal:      ct,
		CircuitOpen:       co,
		History:           h,
	}
}

func (s *Service) lookup(taskID string) (*entry, error) {
	taskID = strings.TrimSpace(taskID)
	s.tmu.RLock()
	e, ok := s.tasks[taskID]
	s.tmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	return e, nil
}

// enqueue queues one firing for e. With block it waits for a queue slot
// (backpressure); without it a full queue fails fast.
func (s *Service) enqueue(ctx context.Context, e *entry, f firing, block bool) error {
	running, runCtx, _ := s.lifecycle()
	if !running {
		return ErrStopped
	}
	if block {
		actx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(runCtx, cancel)
		defer stop()
		if err := s.slots.Acquire(actx, 1); err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				return ErrStopped
			}
			return err
		}
	} else if !s.slots.TryAcquire(1) {
		return ErrQueueFull
	}

	maxPending := s.config().MaxPendingPerTask
	e.mu.Lock()
	if e.task.State == task.StateCancelled {
		e.mu.Unlock()
		s.slots.Release(1)
		return ErrCancelled
	}
	if len(e.pending) >= maxPending {
		e.mu.Unlock()
		s.slots.Release(1)
		return ErrBacklogFull
	}
	e.pending = append(e.pending, f)
	push := !e.active
	e.active = true
	e.mu.Unlock()

	s.queued.Add(1)
	if push {
		s.ready <- e
	}
	return nil
}

func (s *Service) wait(ctx context.Context, done <-chan task.Outcome) (task.Outcome, error) {
	_, _, stopCh := s.lifecycle()
	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	case <-stopCh:
		// A worker may have finished right before stopping.
		select {
		case out := <-done:
			return out, nil
		default:
			return task.Outcome{}, ErrStopped
		}
	}
}

func (s *Service) discarded(t task.Task) task.Outcome {
	return task.Outcome{
		TaskID:    t.ID,
		AgentName: t.AgentName,
		State:     task.StateCancelled,
		Discarded: true,
		Started:   s.now(),
	}
}

func (s *Service) onDropped(e *entry, reason string) {
	s.dropped.Add(1)
	s.metrics.incDropped(reason)

	e.mu.Lock()
	snap := e.task
	e.mu.Unlock()
	s.publish(eventbus.TopicTaskDropped, snap, 0, reason)

	now := s.now().UnixNano()
	prev := s.lastDropWarnAt.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastDropWarnAt.CompareAndSwap(prev, now) {
		s.log.Warn("firing dropped",
			logx.String("task_id", snap.ID),
			logx.String("reason", reason),
			logx.Int64("queued", s.queued.Load()),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) limiter(agentName string, cfg Config) *rate.Limiter {
	if cfg.AgentRatePerSec <= 0 {
		return nil
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l := s.limiters[agentName]
	if l == nil {
		burst := cfg.AgentBurst
		if burst <= 0 {
			burst = int(cfg.AgentRatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		l = rate.NewLimiter(rate.Limit(cfg.AgentRatePerSec), burst)
		s.limiters[agentName] = l
	}
	return l
}
