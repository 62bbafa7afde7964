package health

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"scriptsched/pkg/logx"
)

// Systemd sends sd_notify messages. Every call is a no-op when disabled or
// when NOTIFY_SOCKET is unset.
type Systemd struct {
	Enabled bool
	Log     logx.Logger
}

func (s Systemd) notify(state string) {
	if !s.Enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !s.Log.IsZero() {
		s.Log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	}
	if sent && !s.Log.IsZero() {
		s.Log.Debug("systemd notified", logx.String("state", state))
	}
}

func (s Systemd) Ready()    { s.notify(daemon.SdNotifyReady) }
func (s Systemd) Stopping() { s.notify(daemon.SdNotifyStopping) }

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns at once when the unit has no watchdog.
func (s Systemd) Watchdog(ctx context.Context) error {
	if !s.Enabled {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.notify(daemon.SdNotifyWatchdog)
		}
	}
}
