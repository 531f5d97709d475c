// Package systemd wraps sd_notify for long-running modes. Outside a
// systemd unit every call is a silent no-op.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "optinbot/pkg/logx"
)

// NotifyReady tells the service manager the process finished starting.
func NotifyReady(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

// NotifyStopping tells the service manager a shutdown began.
func NotifyStopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !log.IsZero() {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent && !log.IsZero() {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
