// Package systemd wraps the sd_notify protocol. Every call is a no-op when
// the process is not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() error { return notify(daemon.SdNotifyReady) }

func Stopping() error { return notify(daemon.SdNotifyStopping) }

// Reloading marks a config reload in progress; send Ready when it is done.
func Reloading() error { return notify(daemon.SdNotifyReloading) }

func Watchdog() error { return notify(daemon.SdNotifyWatchdog) }

// Status sets the free-form unit status shown by systemctl status.
func Status(msg string) error { return notify("STATUS=" + msg) }

// WatchdogInterval returns WatchdogSec for this process, or 0 when the
// watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("systemd notify %q: %w", state, err)
	}
	return nil
}
