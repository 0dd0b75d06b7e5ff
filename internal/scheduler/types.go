package scheduler

import (
	"context"
	"errors"
	"time"

	"metricsync/internal/dispatch"
	"metricsync/internal/schedule"
)

// ErrNotActive is returned by RefreshSchedules when the engine is stopped.
var ErrNotActive = errors.New("scheduler: engine not active")

// Enqueuer is the part of the dispatcher the engine depends on.
type Enqueuer interface {
	EnqueueSync(ctx context.Context, svc schedule.Service, opt dispatch.EnqueueOptions) (dispatch.Job, error)
}

type Config struct {
	// FireTimeout bounds the enqueue call made from a timer callback.
	FireTimeout time.Duration
	// RefreshInterval enables periodic reconciliation when > 0.
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FireTimeout <= 0 {
		c.FireTimeout = 10 * time.Second
	}
	if c.RefreshInterval < 0 {
		c.RefreshInterval = 0
	}
	return c
}

// Source tells what caused a dispatch.
type Source string

const (
	SourceCron   Source = "cron"
	SourceManual Source = "manual"
)

// ReconcileReport counts what one RefreshSchedules pass changed.
type ReconcileReport struct {
	Armed     int `json:"armed"`
	Disarmed  int `json:"disarmed"`
	Rearmed   int `json:"rearmed"`
	Unchanged int `json:"unchanged"`
	// Skipped rows were changed by the write path after the pass read the store.
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`
	// Discarded is set when the engine stopped while the pass was loading.
	Discarded bool `json:"discarded,omitempty"`
}

// Changed reports whether the pass touched any trigger.
func (r ReconcileReport) Changed() bool { return r.Armed+r.Disarmed+r.Rearmed > 0 }

// FireEvent is the Data of schedule.fired and schedule.enqueue_failed events.
type FireEvent struct {
	ScheduleID int64            `json:"schedule_id"`
	TenantID   int64            `json:"tenant_id"`
	Service    schedule.Service `json:"service"`
	Source     Source           `json:"source"`
	JobID      string           `json:"job_id,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// TriggerEvent is the Data of schedule.armed and schedule.disarmed events.
type TriggerEvent struct {
	ScheduleID int64            `json:"schedule_id"`
	TenantID   int64            `json:"tenant_id"`
	Service    schedule.Service `json:"service"`
	NextFireAt time.Time        `json:"next_fire_at,omitempty"`
}

// View is a schedule as presented to the control plane.
type View struct {
	schedule.Schedule
	Armed      bool       `json:"armed"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// RunResult is the answer to a manual run.
type RunResult struct {
	JobID      string           `json:"job_id"`
	Service    schedule.Service `json:"service"`
	TargetDate string           `json:"target_date"`
}
