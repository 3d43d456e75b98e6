// Package server exposes the planner and executor over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentflow/internal/conversation"
	"agentflow/internal/planner"
	"agentflow/internal/task"
	"agentflow/internal/task/executor"
	"agentflow/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Pprof           PprofConfig
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = defaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	// Submit waits for one-shot dispatches, so the write timeout must outlast
	// the executor's dispatch timeout.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 6 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type Planner interface {
	Plan(ctx context.Context, req planner.Request) (task.Decision, error)
}

type Executor interface {
	Submit(ctx context.Context, d task.Decision) ([]task.Outcome, error)
	Get(taskID string) (task.Task, error)
	List() []task.Task
	Cancel(ctx context.Context, taskID string) error
	Resubmit(ctx context.Context, taskID string) (task.Outcome, error)
	Snapshot() executor.Snapshot
}

type Items interface {
	GetItems(ctx context.Context, f conversation.ItemFilter) ([]conversation.Item, error)
}

type Deps struct {
	Planner  Planner
	Executor Executor
	Items    Items
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Planner == nil || deps.Executor == nil || deps.Items == nil {
		return nil, errors.New("server: planner, executor and items are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(s.log), requestLogger(s.log))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/requests", s.handleRequest)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1.POST("/tasks/:id/resubmit", s.handleResubmitTask)
	v1.GET("/conversations/:id/items", s.handleItems)

	mountPprof(r, s.cfg.Addr, s.cfg.Pprof, s.log)
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	done := make(chan struct{})
	s.srv, s.ln, s.done = srv, ln, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	s.log.Info("http server stopped")
	return err
}
