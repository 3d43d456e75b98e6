package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"agentflow/pkg/logx"
)

// Validate rejects configs that would fail at wiring time. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add(fmt.Errorf("logging.format: want console or json, got %q", cfg.Logging.Format))
	}

	dur("planner.confirmation_ttl", cfg.Planner.ConfirmationTTL)
	switch d := strings.ToLower(strings.TrimSpace(cfg.Planner.Oracle.Driver)); d {
	case "", "skillmatch":
		if cfg.Planner.Oracle.MinScore < 0 || cfg.Planner.Oracle.MinScore > 1 {
			add(errors.New("planner.oracle.min_score: must be within [0,1]"))
		}
	case "openai":
		if strings.TrimSpace(cfg.Planner.Oracle.Model) == "" {
			add(errors.New("planner.oracle.model: required for the openai driver"))
		}
		dur("planner.oracle.timeout", cfg.Planner.Oracle.Timeout)
	default:
		add(fmt.Errorf("planner.oracle.driver: unknown driver %q", d))
	}

	ex := cfg.Executor
	if ex.Workers < 0 || ex.QueueSize < 0 || ex.MaxPendingPerTask < 0 || ex.HistorySize < 0 || ex.AgentBurst < 0 {
		add(errors.New("executor: sizes must be >= 0"))
	}
	if ex.AgentRatePerSec < 0 {
		add(errors.New("executor.agent_rate_per_sec: must be >= 0"))
	}
	dur("executor.dispatch_timeout", ex.DispatchTimeout)
	dur("executor.circuit_base_delay", ex.CircuitBaseDelay)
	dur("executor.circuit_max_delay", ex.CircuitMaxDelay)
	dur("executor.circuit_reset_after", ex.CircuitResetAfter)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.default_interval", cfg.Scheduler.DefaultInterval)

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	seen := map[string]bool{}
	for i, a := range cfg.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			add(fmt.Errorf("agents[%d].name: required", i))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("agents[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		if a.IsEnabled() {
			u, err := url.Parse(strings.TrimSpace(a.URL))
			if err != nil || u.Scheme == "" || u.Host == "" {
				add(fmt.Errorf("agents[%d].url: absolute URL required for %q", i, name))
			}
		}
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	return errors.Join(errs...)
}
