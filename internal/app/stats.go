package app

import (
	"context"
	"time"

	"metricsync/internal/dispatch"
	"metricsync/internal/runtime/supervisor"
	"metricsync/internal/scheduler"
	"metricsync/pkg/systemd"
)

// Stats is the /stats payload.
type Stats struct {
	Role        Role                           `json:"role"`
	Queue       dispatch.Stats                 `json:"queue"`
	Workers     *dispatch.WorkerCounters       `json:"workers,omitempty"`
	Scheduler   *scheduler.Snapshot            `json:"scheduler,omitempty"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors"`
}

func (a *App) Stats(ctx context.Context) Stats {
	st := Stats{
		Role:        a.role,
		Queue:       a.disp.GetStats(ctx),
		Supervisors: map[string]supervisor.Snapshot{"app": a.sup.Snapshot()},
	}
	if a.exec != nil {
		c := a.disp.Counters()
		st.Workers = &c
	}
	if a.engine != nil {
		snap := a.engine.Snapshot()
		st.Scheduler = &snap
	}
	if sup := a.ops.Supervisor(); sup != nil {
		st.Supervisors["ops"] = sup.Snapshot()
	}
	return st
}

// startWatchdog pings systemd at half the configured WatchdogSec.
func (a *App) startWatchdog() {
	interval := systemd.WatchdogInterval()
	if interval <= 0 {
		return
	}
	every := max(interval/2, time.Second)
	a.sup.GoEvery("systemd.watchdog", every, func(context.Context) error {
		return systemd.Watchdog()
	})
}
