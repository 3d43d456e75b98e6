package scheduler

import (
	"context"
	"strings"
	"time"

	"agentflow/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, trigger Trigger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		trigger: trigger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

// Apply swaps the configuration. A timezone or default-interval change
// restarts cron and re-arms every entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	oldDef := s.defaultIntervalLocked()
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ || oldDef != s.defaultIntervalLocked() {
		s.restartLocked()
	}
}

// Start starts cron triggering and arms entries registered before Start.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, e := range s.entries {
		if err := s.armLocked(e); err != nil {
			s.log.Error("schedule arm failed", logx.String("task_id", e.taskID), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.Duration("default_interval", s.defaultIntervalLocked()),
		logx.Int("schedules", len(s.entries)),
	)
}

// Stop stops cron triggering. Registrations are kept so a later Start
// re-arms them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.entryID = 0
		e.state = StateArmed
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Jobs take s.mu; waiting for them here would deadlock.
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, e := range s.entries {
		e.entryID = 0
		if err := s.armLocked(e); err != nil {
			s.log.Error("schedule arm failed", logx.String("task_id", e.taskID), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted",
		logx.String("tz", loc.String()),
		logx.Duration("default_interval", s.defaultIntervalLocked()),
		logx.Int("schedules", len(s.entries)),
	)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) defaultIntervalLocked() time.Duration {
	if s.cfg.DefaultInterval > 0 {
		return s.cfg.DefaultInterval
	}
	return DefaultInterval
}
