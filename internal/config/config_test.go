package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
planner:
  default_agent: ResearchAgent
  confirmation_ttl: 15m
  oracle:
    driver: skillmatch
    blocked: ["build a bomb"]
executor:
  workers: 2
  queue_size: 32
scheduler:
  timezone: UTC
  default_interval: 45m
storage:
  driver: sqlite
  path: ./agentflow.db
agents:
  - name: ResearchAgent
    url: http://127.0.0.1:9001
    skills: [research, analysis]
  - name: WeatherAgent
    url: http://127.0.0.1:9002
    enabled: false
server:
  addr: 127.0.0.1:8080
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "15m", cfg.Planner.ConfirmationTTL)
	assert.Equal(t, []string{"build a bomb"}, cfg.Planner.Oracle.Blocked)
	assert.Equal(t, 32, cfg.Executor.QueueSize)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Agents, 2)
	assert.True(t, cfg.Agents[0].IsEnabled())
	assert.False(t, cfg.Agents[1].IsEnabled())
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json field", path: "c.json", body: `{"planner":{"default_agnet":"X"}}`},
		{name: "unknown yaml field", path: "c.yml", body: "executor:\n  worker: 3\n"},
		{name: "trailing data", path: "c.json", body: `{} {}`},
		{name: "bad yaml", path: "c.yaml", body: "executor: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "bad ttl", mutate: func(c *Config) { c.Planner.ConfirmationTTL = "soon" }, wantErr: "planner.confirmation_ttl"},
		{name: "unknown oracle", mutate: func(c *Config) { c.Planner.Oracle.Driver = "magic" }, wantErr: "planner.oracle.driver"},
		{name: "openai without model", mutate: func(c *Config) { c.Planner.Oracle.Driver = "openai" }, wantErr: "planner.oracle.model"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "negative interval", mutate: func(c *Config) { c.Scheduler.DefaultInterval = "-5m" }, wantErr: "scheduler.default_interval"},
		{name: "bad storage", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, wantErr: "storage.driver"},
		{name: "duplicate agent", mutate: func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) }, wantErr: "duplicate"},
		{name: "agent without url", mutate: func(c *Config) { c.Agents[0].URL = "" }, wantErr: "agents[0].url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"executor":{"workers":2}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"executor":{"workers":6}}`), 0o644))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)

	select {
	case cfg := <-ch:
		assert.Equal(t, 6, cfg.Executor.Workers)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	// A rejected reload keeps the committed config.
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(`{"executor":{"workers":9}}`), 0o644))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 6, m.Get().Executor.Workers)
}

func TestWatchPublishesEdits(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "executor:\n  workers: 1\n")
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher registers asynchronously; keep editing until it notices.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	var got *Config
	for got == nil {
		select {
		case got = <-ch:
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("executor:\n  workers: 4\n"), 0o644))
		case <-deadline:
			t.Fatal("watch did not publish the edit")
		}
	}
	assert.Equal(t, 4, got.Executor.Workers)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Executor: ExecutorConfig{Workers: 2}}
	newCfg := &Config{
		Executor: ExecutorConfig{Workers: 4},
		Planner:  PlannerConfig{Oracle: OracleConfig{Driver: "openai", APIKey: "sk-secret"}},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"planner", "executor"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: time.Minute, want: time.Minute},
		{raw: "0s", def: time.Minute, want: time.Minute},
		{raw: "90s", def: time.Minute, want: 90 * time.Second},
		{raw: " 2d ", want: 48 * time.Hour},
		{raw: "-1s", wantErr: true},
		{raw: "-1d", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationOrDefault("executor.dispatch_timeout", tt.raw, tt.def)
			if tt.wantErr {
				require.ErrorContains(t, err, "executor.dispatch_timeout")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSniffsFormat(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("agentflow.conf", []byte(`{"executor":{"workers":3}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Executor.Workers)

	cfg, err = Decode("agentflow.conf", []byte("executor:\n  workers: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Executor.Workers)

	cfg, err = Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Zero(t, cfg.Executor.Workers)
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "skillmatch", cfg.Planner.Oracle.Driver)
	assert.Len(t, cfg.Agents, 2)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}
