package config

import (
	"reflect"
	"strings"

	"agentflow/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (API keys, tokens) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Planner, newCfg.Planner) {
		changed = append(changed, "planner")
		o := newCfg.Planner.Oracle
		attrs = append(attrs,
			logx.String("planner.default_agent", newCfg.Planner.DefaultAgent),
			logx.String("planner.confirmation_ttl", newCfg.Planner.ConfirmationTTL),
			logx.String("planner.oracle.driver", o.Driver),
			logx.String("planner.oracle.model", o.Model),
			logx.Bool("planner.oracle.api_key_set", strings.TrimSpace(o.APIKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.Int("executor.max_pending_per_task", newCfg.Executor.MaxPendingPerTask),
			logx.Float64("executor.agent_rate_per_sec", newCfg.Executor.AgentRatePerSec),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.default_interval", newCfg.Scheduler.DefaultInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Agents, newCfg.Agents) {
		changed = append(changed, "agents")
		enabled := 0
		for _, a := range newCfg.Agents {
			if a.IsEnabled() {
				enabled++
			}
		}
		attrs = append(attrs, logx.Int("agents.count", len(newCfg.Agents)), logx.Int("agents.enabled", enabled))
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.pprof.enabled", newCfg.Server.Pprof.Enabled),
			logx.Bool("server.pprof.token_set", strings.TrimSpace(newCfg.Server.Pprof.Token) != ""),
		)
	}

	return changed, attrs
}
