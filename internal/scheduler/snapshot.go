package scheduler

import (
	"sort"
	"time"

	"metricsync/internal/schedule"
)

// TriggerInfo describes one armed trigger.
type TriggerInfo struct {
	ScheduleID int64            `json:"schedule_id"`
	TenantID   int64            `json:"tenant_id"`
	Service    schedule.Service `json:"service"`
	Cron       string           `json:"cron"`
	Timezone   string           `json:"timezone"`
	NextFireAt time.Time        `json:"next_fire_at"`
}

// Snapshot is a point-in-time view of the engine for ops endpoints.
type Snapshot struct {
	Active           bool            `json:"active"`
	Armed            int             `json:"armed"`
	Refreshes        uint64          `json:"refreshes"`
	LastRefreshAt    time.Time       `json:"last_refresh_at"`
	LastReport       ReconcileReport `json:"last_report"`
	LastRefreshError string          `json:"last_refresh_error,omitempty"`
	Fires            uint64          `json:"fires"`
	EnqueueErrors    uint64          `json:"enqueue_errors"`
	RefreshInterval  time.Duration   `json:"refresh_interval"`
	Triggers         []TriggerInfo   `json:"triggers"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		Active:           e.active,
		Armed:            len(e.triggers),
		Refreshes:        e.stats.refreshes,
		LastRefreshAt:    e.stats.lastRefreshAt,
		LastReport:       e.stats.lastReport,
		LastRefreshError: e.stats.lastRefreshErr,
		Fires:            e.stats.fires,
		EnqueueErrors:    e.stats.enqueueErrors,
		RefreshInterval:  e.cfg.RefreshInterval,
		Triggers:         make([]TriggerInfo, 0, len(e.triggers)),
	}
	for _, t := range e.triggers {
		snap.Triggers = append(snap.Triggers, TriggerInfo{
			ScheduleID: t.sched.ID,
			TenantID:   t.sched.TenantID,
			Service:    t.sched.Service,
			Cron:       t.sched.CronExpression,
			Timezone:   t.compiled.Timezone,
			NextFireAt: t.next,
		})
	}
	e.mu.Unlock()

	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].ScheduleID < snap.Triggers[j].ScheduleID })
	return snap
}

// armedNext returns the pending fire time of a schedule, if armed.
func (e *Engine) armedNext(id int64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}
