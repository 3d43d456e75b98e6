package executor

import (
	"context"
	"fmt"

	"agentflow/internal/task"
	"agentflow/pkg/logx"
)

const interruptedByRestart = "interrupted by restart"

// Restore loads persisted tasks. Once tasks caught mid-flight are marked
// Failed (they may be resubmitted); recurring tasks are re-armed for their
// next firing. Missed firings are not replayed.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	ts, err := s.repo.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	sched := s.scheduler()
	now := s.now()

	restored, rearmed, interrupted := 0, 0, 0
	for _, t := range ts {
		s.tmu.RLock()
		_, exists := s.tasks[t.ID]
		s.tmu.RUnlock()
		if exists {
			continue
		}

		changed := false
		switch {
		case t.State == task.StateCancelled, t.State == task.StateSucceeded && !t.IsRecurring():
		case !t.IsRecurring() && (t.State == task.StatePending || t.State == task.StateDispatched):
			if t.State == task.StatePending {
				// Pending cannot go straight to Failed.
				_ = t.Transition(task.StateDispatched, now)
			}
			_ = t.Transition(task.StateFailed, now)
			t.LastError = interruptedByRestart
			changed = true
			interrupted++
		case t.IsRecurring() && t.State == task.StateDispatched:
			_ = t.Transition(task.StateFailed, now)
			t.LastError = interruptedByRestart
			_ = t.Transition(task.StatePending, now)
			changed = true
			interrupted++
		case t.IsRecurring() && t.State != task.StatePending:
			_ = t.Transition(task.StatePending, now)
			changed = true
		}

		s.tmu.Lock()
		s.tasks[t.ID] = &entry{task: t}
		s.tmu.Unlock()
		restored++
		if changed {
			s.persist(ctx, t)
		}

		if t.IsRecurring() && t.State != task.StateCancelled {
			if sched == nil {
				s.log.Warn("recurring task not re-armed: no scheduler", logx.String("task_id", t.ID))
				continue
			}
			if _, err := sched.Register(t.ID, t.Schedule); err != nil {
				s.log.Warn("recurring task not re-armed", logx.String("task_id", t.ID), logx.Err(err))
				continue
			}
			rearmed++
		}
	}
	s.log.Info("tasks restored",
		logx.Int("restored", restored),
		logx.Int("rearmed", rearmed),
		logx.Int("interrupted", interrupted),
	)
	return restored, nil
}
