package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentflow/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// errWatcherClosed is returned when fsnotify closes its channels under us.
var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the file whenever it changes until ctx is done, then returns
// nil. The parent directory is watched so editors that replace the file by
// rename are seen. A broken watcher ends Watch with an error; callers run it
// under a restarting supervisor.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	d := &debouncer{delay: reloadDebounce, fn: func() { m.reloadAndLog(ctx) }}
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				d.trigger()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) reloadAndLog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	published, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case published:
		m.log.Debug("config published", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	}
}

// debouncer runs fn once, delay after the last trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
