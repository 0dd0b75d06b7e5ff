// Package dispatch turns schedule fires into durable sync jobs and runs them
// through a worker pool with bounded retries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"metricsync/internal/eventbus"
	"metricsync/internal/queue"
	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

type connState int

const (
	stateUninit connState = iota
	stateReady
	stateUnavailable
)

// JobEvent is the Data of job.* events.
type JobEvent struct {
	JobID      string           `json:"job_id"`
	Service    schedule.Service `json:"service"`
	TargetDate string           `json:"target_date"`
	TenantID   *int64           `json:"tenant_id,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	Delay      time.Duration    `json:"delay,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Dispatcher is the producer and inspection side of the job queue. Run adds
// the consumer side in worker processes.
type Dispatcher struct {
	cfg    Config
	broker queue.Broker
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu        sync.RWMutex
	state     connState
	initErr   error
	initOnce  sync.Once
	closeOnce sync.Once

	counters workerCounters
}

func New(cfg Config, broker queue.Broker, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		broker: broker,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		now:    time.Now,
	}
}

// Config returns the effective configuration after defaults.
func (d *Dispatcher) Config() Config { return d.cfg }

// Initialize pings the broker once. A failure is final for the process: the
// dispatcher stays unavailable and every later call fails fast.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.initOnce.Do(func() {
		err := d.ping(ctx)
		d.mu.Lock()
		if err != nil {
			d.state = stateUnavailable
			d.initErr = &UnavailableError{Cause: err}
		} else {
			d.state = stateReady
		}
		d.mu.Unlock()

		if err != nil {
			d.log.Error("queue unavailable; enqueue disabled", logx.Err(err), logx.Duration("connect_timeout", d.cfg.ConnectTimeout))
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueUnavailable, Data: err.Error()})
			return
		}
		d.log.Info("queue connected")
	})
	return d.ready()
}

func (d *Dispatcher) ping(ctx context.Context) error {
	if d.broker == nil {
		return errors.New("no broker configured")
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	return d.broker.Ping(pctx)
}

// Available reports whether Initialize succeeded.
func (d *Dispatcher) Available() bool { return d.ready() == nil }

func (d *Dispatcher) ready() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state {
	case stateReady:
		return nil
	case stateUnavailable:
		return d.initErr
	default:
		return &UnavailableError{Cause: errors.New("dispatcher not initialized")}
	}
}

// EnqueueSync adds one sync job for svc.
func (d *Dispatcher) EnqueueSync(ctx context.Context, svc schedule.Service, opt EnqueueOptions) (Job, error) {
	if err := d.ready(); err != nil {
		return Job{}, err
	}
	if !svc.Valid() {
		return Job{}, &schedule.ValidationError{Field: "service", Value: string(svc), Reason: "unknown service"}
	}
	now := d.now()
	target, err := resolveTargetDate(opt.TargetDate, now)
	if err != nil {
		return Job{}, err
	}
	delay := opt.Delay
	if delay < 0 {
		delay = 0
	}

	job := Job{
		JobID:         uuid.NewString(),
		Service:       svc,
		TargetDate:    target,
		CreatedAt:     now.UTC(),
		SpreadsheetID: opt.SpreadsheetID,
		SheetName:     opt.SheetName,
		TenantID:      opt.TenantID,
		Priority:      opt.Priority,
		Delay:         delay,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	rec := queue.Record{
		ID:          job.JobID,
		Name:        string(svc),
		Payload:     payload,
		Priority:    opt.Priority,
		MaxAttempts: d.cfg.Attempts,
		CreatedAt:   now,
		RunAt:       now.Add(delay),
	}
	if err := d.broker.Add(ctx, rec); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", svc, err)
	}

	d.log.Info("job enqueued",
		logx.String("job_id", job.JobID),
		logx.String("service", string(svc)),
		logx.String("target_date", target),
		logx.Duration("delay", delay),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobEnqueued, Data: JobEvent{
		JobID: job.JobID, Service: svc, TargetDate: target, TenantID: job.TenantID, Delay: delay,
	}})
	return job, nil
}

// EnqueueAllSyncs adds one job per enabled service, staggered so upstream
// APIs are not hit at the same instant. It stops at the first failure and
// returns the jobs enqueued so far.
func (d *Dispatcher) EnqueueAllSyncs(ctx context.Context, opt AllOptions) ([]Job, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(d.cfg.Services))
	for i, svc := range d.cfg.Services {
		job, err := d.EnqueueSync(ctx, svc, EnqueueOptions{
			TargetDate: opt.TargetDate,
			TenantID:   opt.TenantID,
			Delay:      time.Duration(i) * d.cfg.StaggerInterval,
		})
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJobStatus returns the inspection view of one job.
func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	if err := d.ready(); err != nil {
		return JobStatus{}, err
	}
	rec, err := d.broker.Get(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return JobStatus{}, err
	}

	st := JobStatus{
		ID:           rec.ID,
		State:        rec.State,
		Progress:     rec.Progress,
		Attempts:     rec.Attempts,
		FailedReason: rec.FailedReason,
	}
	if err := json.Unmarshal(rec.Payload, &st.Data); err != nil {
		return JobStatus{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if rec.Attempts > 0 {
		st.Data.RetryCount = rec.Attempts - 1
	}
	if len(rec.Result) > 0 {
		var res Result
		if err := json.Unmarshal(rec.Result, &res); err == nil {
			st.Result = &res
		}
	}
	if !rec.FinishedAt.IsZero() {
		t := rec.FinishedAt
		st.FinishedAt = &t
	}
	return st, nil
}

// GetStats never fails: an unreachable broker yields Unavailable.
func (d *Dispatcher) GetStats(ctx context.Context) Stats {
	if d.ready() != nil {
		return Unavailable
	}
	c, err := d.broker.Counts(ctx)
	if err != nil {
		d.log.Warn("queue stats failed", logx.Err(err))
		return Unavailable
	}
	return Stats{
		Available: true,
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
		Delayed:   c.Delayed,
		Paused:    c.Paused,
	}
}

// Pause stops workers from claiming. Enqueue keeps working.
func (d *Dispatcher) Pause(ctx context.Context) error { return d.setPaused(ctx, true) }

// Resume undoes Pause.
func (d *Dispatcher) Resume(ctx context.Context) error { return d.setPaused(ctx, false) }

func (d *Dispatcher) setPaused(ctx context.Context, paused bool) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.broker.SetPaused(ctx, paused); err != nil {
		return err
	}
	typ := eventbus.TypeQueueResumed
	if paused {
		typ = eventbus.TypeQueuePaused
	}
	d.log.Info(typ)
	d.bus.Publish(eventbus.Event{Type: typ})
	return nil
}

// Close releases the broker connection.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.broker != nil {
			err = d.broker.Close()
		}
	})
	return err
}

// resolveTargetDate returns raw when it is a valid calendar day, and the
// previous UTC day when raw is empty.
func resolveTargetDate(raw string, now time.Time) (string, error) {
	if raw == "" {
		return YesterdayUTC(now), nil
	}
	t, err := time.Parse(TargetDateLayout, raw)
	if err != nil || t.Format(TargetDateLayout) != raw {
		return "", &schedule.ValidationError{Field: "target_date", Value: raw, Reason: "must be YYYY-MM-DD"}
	}
	return raw, nil
}

// YesterdayUTC is the default target date for a job created at now.
func YesterdayUTC(now time.Time) string {
	return now.UTC().AddDate(0, 0, -1).Format(TargetDateLayout)
}
