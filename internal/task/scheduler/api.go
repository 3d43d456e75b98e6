package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/internal/task"
	"agentflow/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// Register arms taskID on schedule. Registering the same id with the same
// schedule again is a no-op and returns false; a different schedule replaces
// the previous one. Invalid schedules are rejected before anything changes.
func (s *Service) Register(taskID string, sch task.Schedule) (bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, errors.New("task id required")
	}
	if err := sch.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[taskID]; ok {
		if cur.schedule == sch {
			return false, nil
		}
		s.removeLocked(taskID)
	}

	e := &entry{
		taskID:       taskID,
		schedule:     sch,
		state:        StateArmed,
		registeredAt: time.Now(),
		dropWarn:     &rate.Sometimes{Interval: dropWarnEvery},
	}
	if s.c != nil {
		if err := s.armLocked(e); err != nil {
			return false, err
		}
	} else {
		// Not started yet: validate the spec now, arm on Start.
		spec, sched, err := s.cronFor(sch)
		if err != nil {
			return false, err
		}
		e.spec, e.sched = spec, sched
	}
	s.entries[taskID] = e

	args := []logx.Field{logx.String("task_id", taskID), logx.String("schedule", sch.String()), logx.String("spec", e.spec)}
	if next := s.previewNextRunsLocked(e.sched, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return true, nil
}

// Deregister removes taskID. Unknown ids are a no-op.
func (s *Service) Deregister(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(taskID)
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("task_id", taskID))
	}
	return removed
}

func (s *Service) Registered(taskID string) bool {
	s.mu.Lock()
	_, ok := s.entries[taskID]
	s.mu.Unlock()
	return ok
}

// Next returns the first firing of sch strictly after from, in the
// scheduler's timezone.
func (s *Service) Next(sch task.Schedule, from time.Time) (time.Time, error) {
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	_, sched, err := s.cronFor(sch)
	s.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}

// cronFor maps a Schedule onto a cron schedule. Call with s.mu held.
func (s *Service) cronFor(sch task.Schedule) (string, cron.Schedule, error) {
	switch sch.Kind {
	case task.ScheduleIntervalMinutes:
		d := time.Duration(sch.IntervalMinutes) * time.Minute
		return "@every " + d.String(), cron.Every(d), nil
	case task.ScheduleDailyTime:
		h, m, err := task.ParseHHMM(sch.DailyTime)
		if err != nil {
			return "", nil, &task.ScheduleConfigError{Field: "daily_time", Value: sch.DailyTime, Reason: err.Error()}
		}
		spec := fmt.Sprintf("%d %d * * *", m, h)
		parsed, err := s.parser.Parse(spec)
		if err != nil {
			return "", nil, err
		}
		return spec, parsed, nil
	case task.ScheduleNone:
		d := s.defaultIntervalLocked()
		return "@every " + d.String(), cron.Every(d), nil
	default:
		return "", nil, &task.ScheduleConfigError{Field: "kind", Value: string(sch.Kind), Reason: "unknown schedule kind"}
	}
}

// armLocked (re)computes the cron schedule for e and adds it to the running
// cron. Call with s.mu held and s.c non-nil.
func (s *Service) armLocked(e *entry) error {
	spec, sched, err := s.cronFor(e.schedule)
	if err != nil {
		return err
	}
	e.spec, e.sched = spec, sched
	id := e.taskID
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	e.state = StateArmed
	return nil
}

func (s *Service) removeLocked(taskID string) bool {
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, taskID)
	return true
}

// fire runs on the cron goroutine for each tick of taskID.
func (s *Service) fire(taskID string) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.state = StateFiring
	trig := s.trigger
	s.mu.Unlock()

	if trig == nil {
		s.markArmed(taskID, false)
		return
	}
	if trig.Cancelled(taskID) {
		s.Deregister(taskID)
		s.log.Debug("cancelled task deregistered on tick", logx.String("task_id", taskID))
		return
	}
	if err := trig.Fire(taskID); err != nil {
		s.markDropped(taskID, err)
		return
	}
	s.markArmed(taskID, true)
}

func (s *Service) markArmed(taskID string, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	e.state = StateArmed
	if fired {
		e.fired++
		e.lastFired = time.Now()
	}
}

// markDropped records a firing the trigger rejected. The warning is throttled
// per task since a full executor backlog rejects every tick for a while.
func (s *Service) markDropped(taskID string, err error) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.state = StateArmed
	e.dropped++
	dropped, warn := e.dropped, e.dropWarn
	s.mu.Unlock()

	warn.Do(func() {
		s.log.Warn("recurring firing dropped",
			logx.String("task_id", taskID),
			logx.Uint64("dropped_total", dropped),
			logx.Err(err),
		)
	})
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times. Call with s.mu held.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if sched == nil || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
