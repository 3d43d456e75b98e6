package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/config"
	"agentflow/internal/oracle/llm"
	"agentflow/internal/planner"
	"agentflow/internal/server"
	"agentflow/internal/task/executor"
	"agentflow/internal/task/scheduler"
	"agentflow/pkg/logx"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPlannerConfig(cfg *config.Config) (planner.Config, error) {
	ttl, err := config.ParseDurationOrDefault("planner.confirmation_ttl", cfg.Planner.ConfirmationTTL, planner.DefaultConfirmationTTL)
	if err != nil {
		return planner.Config{}, err
	}
	return planner.Config{DefaultAgent: strings.TrimSpace(cfg.Planner.DefaultAgent), ConfirmationTTL: ttl}, nil
}

// newOracle builds the configured planning oracle.
func newOracle(cfg *config.Config, log logx.Logger) (planner.Oracle, error) {
	oc := cfg.Planner.Oracle
	switch strings.ToLower(strings.TrimSpace(oc.Driver)) {
	case "", "skillmatch":
		return planner.NewSkillMatchOracle(oc.MinScore, oc.Blocked), nil
	case "openai":
		timeout, err := config.ParseDurationField("planner.oracle.timeout", oc.Timeout)
		if err != nil {
			return nil, err
		}
		key := strings.TrimSpace(oc.APIKey)
		if key == "" {
			env := strings.TrimSpace(oc.APIKeyEnv)
			if env == "" {
				env = defaultAPIKeyEnv
			}
			key = strings.TrimSpace(os.Getenv(env))
		}
		o, err := llm.New(llm.Config{
			APIKey:      key,
			BaseURL:     oc.BaseURL,
			Model:       oc.Model,
			Temperature: oc.Temperature,
			Timeout:     timeout,
		}, log.With(logx.String("comp", "oracle")))
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown planner.oracle.driver: %s", oc.Driver)
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ex := cfg.Executor
	out := executor.Config{
		Workers:             ex.Workers,
		QueueSize:           ex.QueueSize,
		MaxPendingPerTask:   ex.MaxPendingPerTask,
		AgentRatePerSec:     ex.AgentRatePerSec,
		AgentBurst:          ex.AgentBurst,
		HistorySize:         ex.HistorySize,
		CircuitTripFailures: ex.CircuitTripFailures,
	}
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.dispatch_timeout", ex.DispatchTimeout, &out.DispatchTimeout},
		{"executor.circuit_base_delay", ex.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"executor.circuit_max_delay", ex.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"executor.circuit_reset_after", ex.CircuitResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return executor.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	def, err := config.ParseDurationOrDefault("scheduler.default_interval", cfg.Scheduler.DefaultInterval, scheduler.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), DefaultInterval: def}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	out := server.Config{
		Addr: strings.TrimSpace(sc.Addr),
		Pprof: server.PprofConfig{
			Enabled:              sc.Pprof.Enabled,
			Prefix:               sc.Pprof.Prefix,
			Token:                sc.Pprof.Token,
			AllowInsecure:        sc.Pprof.AllowInsecure,
			MutexProfileFraction: sc.Pprof.MutexProfileFraction,
			BlockProfileRate:     sc.Pprof.BlockProfileRate,
		},
	}
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", sc.ReadTimeout, &out.ReadTimeout},
		{"server.write_timeout", sc.WriteTimeout, &out.WriteTimeout},
		{"server.idle_timeout", sc.IdleTimeout, &out.IdleTimeout},
		{"server.shutdown_timeout", sc.ShutdownTimeout, &out.ShutdownTimeout},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return server.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func agentCards(cfg *config.Config) []agent.Card {
	out := make([]agent.Card, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		out = append(out, agent.Card{
			Name:        strings.TrimSpace(a.Name),
			Description: a.Description,
			URL:         strings.TrimSpace(a.URL),
			Enabled:     a.IsEnabled(),
			Skills:      append([]string(nil), a.Skills...),
		})
	}
	return out
}

// validateWiring checks everything the app maps at runtime, so a hot reload
// that would fail to apply is rejected before commit.
func validateWiring(cfg *config.Config) error {
	if _, err := mapPlannerConfig(cfg); err != nil {
		return err
	}
	if _, err := newOracle(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}
