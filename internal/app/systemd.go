package app

import (
	"context"
	"time"

	"agentflow/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify sends state to systemd. Outside systemd (no NOTIFY_SOCKET) it is a
// silent no-op.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func watchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
