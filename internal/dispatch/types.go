package dispatch

import (
	"context"
	"time"

	"metricsync/internal/queue"
	"metricsync/internal/schedule"
)

// TargetDateLayout is the calendar-day format of Job.TargetDate.
const TargetDateLayout = "2006-01-02"

// Job is the payload handed from a schedule fire to a sync worker.
type Job struct {
	JobID         string           `json:"job_id"`
	Service       schedule.Service `json:"service"`
	TargetDate    string           `json:"target_date"`
	CreatedAt     time.Time        `json:"created_at"`
	RetryCount    int              `json:"retry_count"`
	SpreadsheetID string           `json:"spreadsheet_id,omitempty"`
	SheetName     string           `json:"sheet_name,omitempty"`
	TenantID      *int64           `json:"tenant_id,omitempty"`
	Priority      int              `json:"priority,omitempty"`
	Delay         time.Duration    `json:"delay,omitempty"`
}

// EnqueueOptions are the optional fields of EnqueueSync.
type EnqueueOptions struct {
	TargetDate    string
	SpreadsheetID string
	SheetName     string
	Priority      int
	Delay         time.Duration
	TenantID      *int64
}

// AllOptions are the optional fields of EnqueueAllSyncs.
type AllOptions struct {
	TargetDate string
	TenantID   *int64
}

// Mode tells how the workflow wrote the day's row.
type Mode string

const (
	ModeAppend Mode = "append"
	ModeUpdate Mode = "update"
	ModeSkip   Mode = "skip"
)

// Result is what a sync workflow reports for one job.
type Result struct {
	Success   bool   `json:"success"`
	Mode      Mode   `json:"mode,omitempty"`
	RowNumber int    `json:"row_number,omitempty"`
	ID        string `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Executor runs the sync workflow for one job. It is called by workers,
// never by the scheduler.
type Executor interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

// JobStatus is the inspection view of one job.
type JobStatus struct {
	ID           string      `json:"id"`
	State        queue.State `json:"state"`
	Progress     int         `json:"progress"`
	Attempts     int         `json:"attempts"`
	Data         Job         `json:"data"`
	Result       *Result     `json:"result,omitempty"`
	FailedReason string      `json:"failed_reason,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Stats are queue depth counters. Available is false when the broker
// cannot be reached; the counters are then zero.
type Stats struct {
	Available bool  `json:"available"`
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Unavailable is the Stats value returned when the broker cannot be reached.
var Unavailable = Stats{Available: false}

// Config tunes the dispatcher and its worker pool.
type Config struct {
	Attempts            int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	BackoffJitter       float64
	StaggerInterval     time.Duration
	ConnectTimeout      time.Duration
	Services            []schedule.Service
	Retention           queue.Retention
	Concurrency         int
	PollInterval        time.Duration
	JobTimeout          time.Duration
	StallTimeout        time.Duration
	MaintenanceInterval time.Duration
	ServiceRate         float64 // jobs per second per service; 0 means unlimited
	ServiceBurst        int
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = 0.2
	}
	if c.StaggerInterval <= 0 {
		c.StaggerInterval = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	c.Services = orderedServices(c.Services)
	if c.Retention == (queue.Retention{}) {
		c.Retention = queue.Retention{
			CompletedMaxAge:   24 * time.Hour,
			CompletedMaxCount: 100,
			FailedMaxAge:      7 * 24 * time.Hour,
			FailedMaxCount:    1000,
		}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.StallTimeout <= c.JobTimeout {
		c.StallTimeout = c.JobTimeout + 5*time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.ServiceBurst <= 0 {
		c.ServiceBurst = 1
	}
	return c
}

// orderedServices dedups the enabled set and sorts it in schedule.Services
// order. Empty means every service.
func orderedServices(in []schedule.Service) []schedule.Service {
	if len(in) == 0 {
		return append([]schedule.Service(nil), schedule.Services...)
	}
	want := map[schedule.Service]bool{}
	for _, s := range in {
		want[s] = true
	}
	out := make([]schedule.Service, 0, len(want))
	for _, s := range schedule.Services {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }
