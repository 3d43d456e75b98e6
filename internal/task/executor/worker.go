package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/conversation"
	"agentflow/internal/eventbus"
	"agentflow/internal/task"
	"agentflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		// Fast-exit check so cancellation wins over queued work.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case e := <-s.ready:
			s.drain(ctx, e)
		}
	}
}

// drain runs e's queued firings in order until none remain. It owns e until
// it clears e.active.
func (s *Service) drain(ctx context.Context, e *entry) {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.active = false
			e.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			// Leave the remaining firings for the next Start. e still holds
			// a slot, so ready has room.
			e.mu.Unlock()
			s.ready <- e
			return
		}
		f := e.pending[0]
		e.pending[0] = firing{}
		e.pending = e.pending[1:]
		e.mu.Unlock()

		s.slots.Release(1)
		s.queued.Add(-1)

		out := s.dispatchOne(ctx, e, f.src)
		if f.done != nil {
			f.done <- out
		}
	}
}

// dispatchOne performs one firing of e: Pending -> Dispatched -> Succeeded or
// Failed, plus Pending again for recurring tasks.
func (s *Service) dispatchOne(ctx context.Context, e *entry, src source) task.Outcome {
	cfg := s.config()
	start := s.now()

	e.mu.Lock()
	if e.task.State == task.StateCancelled {
		out := s.discarded(e.task)
		e.mu.Unlock()
		s.addHistory(cfg, src, out, 0)
		return out
	}
	if e.task.State != task.StatePending {
		err := fmt.Errorf("%w: dispatch requires pending, task is %s", task.ErrInvalidTransition, e.task.State)
		out := task.Outcome{TaskID: e.task.ID, AgentName: e.task.AgentName, State: e.task.State, Err: err, Error: err.Error(), Started: start}
		e.mu.Unlock()
		return out
	}
	_ = e.task.Transition(task.StateDispatched, start)
	e.inflight = true
	snap := e.task
	e.mu.Unlock()

	s.persist(ctx, snap)
	s.record(ctx, itemFor(snap, conversation.EventTaskDispatched, conversation.ComponentTaskStatus, "Task dispatched."))
	s.publish(eventbus.TopicTaskDispatched, snap, 0, "")
	s.log.Debug("task dispatched",
		logx.String("task_id", snap.ID),
		logx.String("agent", snap.AgentName),
		logx.Int("run", snap.Runs),
		logx.String("source", string(src)),
	)

	resp, err := s.call(ctx, cfg, snap)
	took := s.now().Sub(start)

	e.mu.Lock()
	e.inflight = false
	if e.task.State == task.StateCancelled {
		out := s.discarded(e.task)
		out.Duration = took
		e.mu.Unlock()
		s.metrics.incDropped("cancelled")
		s.log.Info("result discarded for cancelled task", logx.String("task_id", snap.ID))
		s.addHistory(cfg, src, out, took)
		return out
	}

	out := task.Outcome{TaskID: snap.ID, AgentName: snap.AgentName, Started: start, Duration: took, Payload: resp.Payload}
	now := s.now()
	if err == nil {
		_ = e.task.Transition(task.StateSucceeded, now)
		out.State = task.StateSucceeded
	} else {
		derr := &task.DispatchError{TaskID: snap.ID, AgentName: snap.AgentName, Payload: resp.Error, Err: err}
		_ = e.task.Transition(task.StateFailed, now)
		e.task.LastError = derr.Error()
		out.State = task.StateFailed
		out.Err = derr
		out.Error = derr.Error()
	}
	finished := e.task
	rescheduled := false
	if finished.IsRecurring() {
		rescheduled = e.task.Transition(task.StatePending, now) == nil
	}
	final := e.task
	e.mu.Unlock()

	if err == nil {
		s.record(ctx, agentItem(finished, conversation.EventTaskCompleted, resp.Payload))
		s.publish(eventbus.TopicTaskSucceeded, finished, took, "")
	} else {
		s.record(ctx, agentItem(finished, conversation.EventTaskFailed, out.Notice()))
		s.publish(eventbus.TopicTaskFailed, finished, took, out.Error)
		s.log.Warn("task failed",
			logx.String("task_id", snap.ID),
			logx.String("agent", snap.AgentName),
			logx.Duration("took", took),
			logx.Err(err),
		)
	}
	if rescheduled {
		s.record(ctx, itemFor(final, conversation.EventTaskRescheduled, conversation.ComponentTaskStatus, "Task rescheduled: "+final.Schedule.String()))
	}
	s.persist(ctx, final)
	s.metrics.observeDispatch(snap.AgentName, string(out.State), took)
	s.addHistory(cfg, src, out, took)
	return out
}

// call sends t to its agent, honoring the circuit breaker, the per-agent rate
// limit and the dispatch timeout. Panics in the dispatcher become errors.
func (s *Service) call(ctx context.Context, cfg Config, t task.Task) (resp agent.Response, err error) {
	if open, until := s.circuitIsOpen(s.now(), t.AgentName, cfg); open {
		return agent.Response{}, fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}
	if l := s.limiter(t.AgentName, cfg); l != nil {
		if err := l.Wait(ctx); err != nil {
			return agent.Response{}, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	s.inflight.Add(1)
	s.metrics.incInflight()
	defer func() {
		s.inflight.Add(-1)
		s.metrics.decInflight()
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("dispatcher panic",
					logx.String("task_id", t.ID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		resp, err = s.dispatcher.Send(cctx, t.AgentName, t)
	}()
	if err == nil && !resp.Success {
		err = errors.New("agent reported failure")
	}
	// A stopping executor is not the agent's fault.
	if !errors.Is(err, context.Canceled) {
		s.circuitRecordResult(s.now(), t.AgentName, cfg, err != nil)
	}
	return resp, err
}

func (s *Service) addHistory(cfg Config, src source, out task.Outcome, took time.Duration) {
	item := HistoryItem{
		TaskID:    out.TaskID,
		AgentName: out.AgentName,
		Source:    string(src),
		State:     out.State,
		Started:   out.Started,
		Duration:  took,
		Error:     out.Error,
		Discarded: out.Discarded,
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) persist(ctx context.Context, t task.Task) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveTask(context.WithoutCancel(ctx), t); err != nil {
		w := &task.StoreWriteWarning{Op: "save_task", Err: err}
		s.log.Warn("task not persisted", logx.String("task_id", t.ID), logx.Err(w))
	}
}

// record appends a conversation item. Tasks without a conversation are
// not recorded.
func (s *Service) record(ctx context.Context, in conversation.ItemInput) {
	if s.items == nil || in.ConversationID == "" {
		return
	}
	if _, err := s.items.AppendItem(context.WithoutCancel(ctx), in); err != nil {
		w := &task.StoreWriteWarning{Op: "append_item", Err: err}
		s.log.Warn("item not recorded",
			logx.String("conversation_id", in.ConversationID),
			logx.String("event", string(in.Event)),
			logx.Err(w),
		)
	}
}

func (s *Service) publish(topic string, t task.Task, took time.Duration, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: topic,
		Time: s.now(),
		Data: eventbus.TaskEvent{
			TaskID:         t.ID,
			AgentName:      t.AgentName,
			ConversationID: t.ConversationID,
			State:          string(t.State),
			Run:            t.Runs,
			Took:           took,
			Err:            errText,
		},
	})
}

func itemFor(t task.Task, ev conversation.Event, component, payload string) conversation.ItemInput {
	return conversation.ItemInput{
		ConversationID: t.ConversationID,
		ThreadID:       t.ThreadID,
		TaskID:         t.ID,
		AgentName:      t.AgentName,
		Role:           conversation.RoleSystem,
		Event:          ev,
		ComponentType:  component,
		Payload:        payload,
	}
}

func agentItem(t task.Task, ev conversation.Event, payload string) conversation.ItemInput {
	in := itemFor(t, ev, conversation.ComponentAgentResult, payload)
	in.Role = conversation.RoleAgent
	return in
}
