package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sitegen/pkg/logx"
)

// sdNotify sends a state to systemd. Outside systemd it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := a.notify(state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is done.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}

func systemdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }
