package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Planner   PlannerConfig   `json:"planner"`
	Executor  ExecutorConfig  `json:"executor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Agents    []AgentConfig   `json:"agents"`
	Server    ServerConfig    `json:"server"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format of stdout logs: "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PlannerConfig controls request planning.
//
// Defaults:
//   - default_agent: "ResearchAgent"
//   - confirmation_ttl: "30m" (how long a recurring-confirmation question stays answerable)
type PlannerConfig struct {
	DefaultAgent    string       `json:"default_agent,omitempty"`
	ConfirmationTTL string       `json:"confirmation_ttl,omitempty"`
	Oracle          OracleConfig `json:"oracle"`
}

// OracleConfig selects the planning oracle.
//
// driver "skillmatch" (default) is deterministic and needs no network.
// driver "openai" talks to any OpenAI-compatible chat completion endpoint;
// the API key is read from api_key_env (default OPENAI_API_KEY) when api_key
// is empty.
type OracleConfig struct {
	Driver string `json:"driver,omitempty"`

	// skillmatch
	MinScore float64  `json:"min_score,omitempty"`
	Blocked  []string `json:"blocked,omitempty"`

	// openai
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"` // do not log
	APIKeyEnv   string  `json:"api_key_env,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// ExecutorConfig controls task dispatch.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - max_pending_per_task: 8
//   - dispatch_timeout: "5m"
//   - agent_rate_per_sec: 0 (unlimited)
//   - history_size: 200
//   - circuit_trip_failures: 5 (negative disables the breaker)
type ExecutorConfig struct {
	Workers           int `json:"workers,omitempty"`
	QueueSize         int `json:"queue_size,omitempty"`
	MaxPendingPerTask int `json:"max_pending_per_task,omitempty"`

	DispatchTimeout string  `json:"dispatch_timeout,omitempty"`
	AgentRatePerSec float64 `json:"agent_rate_per_sec,omitempty"`
	AgentBurst      int     `json:"agent_burst,omitempty"`
	HistorySize     int     `json:"history_size,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// SchedulerConfig controls recurring triggers.
type SchedulerConfig struct {
	// Timezone for daily_time schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// DefaultInterval applies to recurring tasks without a schedule. Default "60m".
	DefaultInterval string `json:"default_interval,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./agentflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type AgentConfig struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url"`
	Enabled     *bool    `json:"enabled,omitempty"` // default true
	Skills      []string `json:"skills,omitempty"`
}

func (a AgentConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof under the API server.
//
// Security note:
//   - Prefer binding the server to localhost.
//   - On a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
