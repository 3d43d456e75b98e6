package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentflow/internal/agent"
	"agentflow/internal/config"
	"agentflow/internal/conversation"
	"agentflow/internal/eventbus"
	"agentflow/internal/planner"
	"agentflow/internal/runtime/supervisor"
	"agentflow/internal/server"
	"agentflow/internal/storage"
	"agentflow/internal/task/executor"
	"agentflow/internal/task/scheduler"
	"agentflow/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	convs    *conversation.Manager
	registry *agent.Registry
	planner  *planner.Planner
	exec     *executor.Service
	sched    *scheduler.Service
	srv      *server.Server

	closeOnce sync.Once
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.wire(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	sc, durable, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, a.log)
	if err != nil {
		return err
	}
	if !durable {
		a.log.Warn("storage is in-memory; tasks and conversations do not survive a restart")
	}

	a.convs, err = conversation.NewManager(a.store, conversation.Options{}, a.log.With(logx.String("comp", "conversation")))
	if err != nil {
		return err
	}

	a.registry = agent.NewRegistry(agentCards(cfg))
	disp := agent.NewHTTPDispatcher(a.registry, nil, a.log)

	oracle, err := newOracle(cfg, a.log)
	if err != nil {
		return err
	}
	pcfg, err := mapPlannerConfig(cfg)
	if err != nil {
		return err
	}
	a.planner, err = planner.New(pcfg, oracle, a.registry, a.convs, a.log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ecfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return err
	}
	a.exec, err = executor.New(ecfg, executor.Deps{
		Dispatcher: disp,
		Items:      a.convs,
		Repo:       a.store,
		Bus:        a.bus,
		Metrics:    executor.MustNewMetrics(reg),
	}, a.log.With(logx.String("comp", "executor")))
	if err != nil {
		return err
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scfg, a.exec, a.log)
	a.exec.SetScheduler(a.sched)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.srv, err = server.New(srvCfg, server.Deps{
		Planner:  a.planner,
		Executor: a.exec,
		Items:    a.convs,
		Gatherer: reg,
	}, a.log)
	return err
}

func (a *App) Config() *config.Config {
	return a.cfgm.Get()
}

func (a *App) Planner() *planner.Planner {
	return a.planner
}

func (a *App) Executor() *executor.Service {
	return a.exec
}

func (a *App) Server() *server.Server {
	return a.srv
}

func (a *App) Logger() logx.Logger {
	return a.log
}

func (a *App) Conversations() *conversation.Manager {
	return a.convs
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateWiring(cfg)
	})

	a.exec.Start(runCtx)
	if _, err := a.exec.Restore(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	a.sched.Start(runCtx)
	if err := a.srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.Consume(c, a.bus, 128, a.logEvent)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 500*time.Millisecond, 10*time.Second)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	notify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("addr", a.srv.Addr()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	te, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("task_id", te.TaskID),
		logx.String("agent", te.AgentName),
		logx.String("state", te.State),
		logx.Int("run", te.Run),
	}
	if te.Took > 0 {
		fields = append(fields, logx.Duration("took", te.Took))
	}
	if te.Err != "" {
		fields = append(fields, logx.String("err", te.Err))
	}
	a.log.Debug("event", fields...)
}

// reloadLoop applies published configs. Bursts are coalesced to the latest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(last, newCfg)
		last = newCfg
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	notify(a.log, daemon.SdNotifyReloading)
	defer notify(a.log, daemon.SdNotifyReady)

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed["agents"] {
		a.registry.Apply(agentCards(newCfg))
	}
	if changed["planner"] {
		pcfg, err := mapPlannerConfig(newCfg)
		if err == nil {
			var oracle planner.Oracle
			if oracle, err = newOracle(newCfg, a.log); err == nil {
				a.planner.Apply(pcfg, oracle)
			}
		}
		if err != nil {
			a.log.Warn("invalid planner config; keeping previous", logx.Err(err))
		}
	}
	if changed["executor"] {
		if ecfg, err := mapExecutorConfig(newCfg); err != nil {
			a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
		} else {
			a.exec.Apply(ecfg)
		}
	}
	if changed["scheduler"] {
		if scfg, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(scfg)
		}
	}
	if changed["storage"] || changed["server"] {
		a.log.Warn("storage/server config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.Strs("changed", sections)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Steps must honor stepCtx; one that does not is left running.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("server", 5*time.Second, a.srv.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", 5*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	c := a.sup.Counters()
	a.log.Debug("goroutines drained", logx.Int64("active", c.Active), logx.Uint64("started", c.Started))

	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases storage and log sinks. Stop calls it; callers that never
// started the app (the plan command) call it directly.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.store != nil {
			err = a.store.Close()
		}
		a.log.Info("stopped")
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return err
}
