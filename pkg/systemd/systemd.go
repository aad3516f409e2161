// Package systemd reports service state to the systemd supervisor.
//
// All calls are no-ops when the process is not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd that startup (job registration) finished.
// It returns false when notification is not supported.
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells systemd that a graceful shutdown has begun.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes a free-form status line (visible in `systemctl status`).
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}
