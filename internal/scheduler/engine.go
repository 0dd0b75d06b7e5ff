package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"metricsync/internal/dispatch"
	"metricsync/internal/eventbus"
	"metricsync/internal/runtime/supervisor"
	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

// trigger is the live timer of one enabled schedule.
type trigger struct {
	sched    schedule.Schedule
	compiled schedule.Compiled
	next     time.Time
	timer    Timer
	gen      uint64
}

// Engine owns the registry of live triggers. One Engine per process.
type Engine struct {
	cfg   Config
	store schedule.Store
	enq   Enqueuer
	clock Clock
	log   logx.Logger
	bus   eventbus.Bus

	// refreshMu serializes reconciliation passes; it is never taken by the
	// write path or by Stop.
	refreshMu sync.Mutex

	mu       sync.Mutex
	active   bool
	epoch    uint64 // bumped by Start and Stop; stale refreshes compare it
	gen      uint64
	triggers map[int64]*trigger
	writeSeq uint64
	touched  map[int64]uint64 // schedule id -> writeSeq of its last write-path change
	sup      *supervisor.Supervisor
	stats    engineStats

	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time
}

type engineStats struct {
	refreshes      uint64
	lastRefreshAt  time.Time
	lastReport     ReconcileReport
	lastRefreshErr string
	fires          uint64
	enqueueErrors  uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithBus publishes schedule events on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

func New(cfg Config, store schedule.Store, enq Enqueuer, log logx.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		store:       store,
		enq:         enq,
		clock:       SystemClock(),
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         eventbus.Nop(),
		triggers:    map[int64]*trigger{},
		touched:     map[int64]uint64{},
		lastEnqWarn: map[int64]time.Time{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start arms one trigger per enabled schedule. Calling Start on an active
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		e.log.Warn("start requested while already active; ignoring")
		return nil
	}
	e.active = true
	e.epoch++
	e.mu.Unlock()

	report, err := e.RefreshSchedules(ctx)
	if errors.Is(err, ErrNotActive) || report.Discarded {
		// Stopped while loading.
		return nil
	}
	if err != nil {
		e.mu.Lock()
		e.active = false
		e.epoch++
		e.disarmAllLocked()
		e.mu.Unlock()
		return err
	}

	if e.cfg.RefreshInterval > 0 {
		sup := supervisor.New(context.Background(), supervisor.WithLogger(e.log))
		sup.GoEvery("scheduler.refresh", e.cfg.RefreshInterval, func(ctx context.Context) error {
			_, err := e.RefreshSchedules(ctx)
			if errors.Is(err, ErrNotActive) {
				return nil
			}
			return err
		})
		e.mu.Lock()
		if e.active {
			e.sup = sup
			sup = nil
		}
		e.mu.Unlock()
		if sup != nil {
			// Stopped concurrently: nothing owns this loop.
			sup.Cancel()
		}
	}

	e.log.Info("scheduler started",
		logx.Int("armed", report.Armed),
		logx.Duration("refresh_interval", e.cfg.RefreshInterval),
	)
	return nil
}

// Stop disarms every trigger. It is idempotent and safe to call while a
// refresh is in flight; that refresh's result is discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	wasActive := e.active
	e.active = false
	e.epoch++
	n := e.disarmAllLocked()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()

	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			e.log.Debug("refresh loop stopped with error", logx.Err(err))
		}
		cancel()
	}
	if !wasActive {
		e.log.Debug("stop requested while inactive")
		return
	}
	e.log.Info("scheduler stopped", logx.Int("disarmed", n))
}

// Active reports whether Start has run and Stop has not.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// RefreshSchedules reconciles live triggers with the enabled rows in the
// store. Only differences are applied: untouched schedules keep their
// pending timer.
func (e *Engine) RefreshSchedules(ctx context.Context) (ReconcileReport, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ReconcileReport{}, ErrNotActive
	}
	epoch := e.epoch
	seq := e.writeSeq
	e.mu.Unlock()

	rows, err := e.store.ListEnabled(ctx)
	if err != nil {
		err = fmt.Errorf("scheduler: load schedules: %w", err)
		e.mu.Lock()
		e.stats.lastRefreshErr = err.Error()
		e.mu.Unlock()
		return ReconcileReport{}, err
	}
	desired := make(map[int64]schedule.Schedule, len(rows))
	for _, s := range rows {
		if s.Enabled {
			desired[s.ID] = s
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.epoch != epoch {
		e.log.Debug("refresh discarded; engine stopped during load")
		return ReconcileReport{Discarded: true}, nil
	}

	var rep ReconcileReport
	for id := range e.triggers {
		if _, ok := desired[id]; ok {
			continue
		}
		if e.touched[id] > seq {
			rep.Skipped++
			continue
		}
		e.disarmLocked(id)
		rep.Disarmed++
	}
	for _, s := range rows {
		if !s.Enabled {
			continue
		}
		if e.touched[s.ID] > seq {
			rep.Skipped++
			continue
		}
		t, armed := e.triggers[s.ID]
		switch {
		case !armed:
			if err := e.armLocked(s); err != nil {
				rep.Invalid++
				continue
			}
			rep.Armed++
		case t.sched.CronExpression != s.CronExpression || t.sched.Timezone != s.Timezone:
			if err := e.armLocked(s); err != nil {
				rep.Invalid++
				continue
			}
			rep.Rearmed++
		default:
			t.sched = s
			rep.Unchanged++
		}
	}
	for id, v := range e.touched {
		if v <= seq {
			delete(e.touched, id)
		}
	}

	e.stats.refreshes++
	e.stats.lastRefreshAt = e.clock.Now()
	e.stats.lastReport = rep
	e.stats.lastRefreshErr = ""
	if rep.Changed() || rep.Invalid > 0 {
		e.log.Info("schedules reconciled",
			logx.Int("armed", rep.Armed),
			logx.Int("disarmed", rep.Disarmed),
			logx.Int("rearmed", rep.Rearmed),
			logx.Int("unchanged", rep.Unchanged),
			logx.Int("skipped", rep.Skipped),
			logx.Int("invalid", rep.Invalid),
		)
	} else {
		e.log.Debug("schedules reconciled", logx.Int("unchanged", rep.Unchanged))
	}
	return rep, nil
}

// CalculateNextRunTime returns the first instant strictly after now that
// matches expr on the wall clock of timezone.
func CalculateNextRunTime(expr, timezone string, now time.Time) (time.Time, error) {
	return schedule.NextRunTime(expr, timezone, now)
}

// NextRunTime is CalculateNextRunTime at the engine clock's now.
func (e *Engine) NextRunTime(expr, timezone string) (time.Time, error) {
	return CalculateNextRunTime(expr, timezone, e.clock.Now())
}

// Create validates def, persists it and arms it at once when enabled.
// Nothing is written or armed when validation fails.
func (e *Engine) Create(ctx context.Context, def schedule.Definition) (schedule.Schedule, error) {
	def, err := def.Validate()
	if err != nil {
		return schedule.Schedule{}, err
	}
	s, err := e.store.Create(ctx, def)
	if err != nil {
		return schedule.Schedule{}, err
	}
	e.applyWrite(s)
	return s, nil
}

// Update validates def, replaces the row matching id, tenant and service,
// and re-arms or disarms it at once.
func (e *Engine) Update(ctx context.Context, id int64, def schedule.Definition) error {
	def, err := def.Validate()
	if err != nil {
		return err
	}
	if err := e.store.Update(ctx, id, def); err != nil {
		return err
	}
	e.applyWrite(schedule.Schedule{
		ID:             id,
		TenantID:       def.TenantID,
		Service:        def.Service,
		CronExpression: def.CronExpression,
		Enabled:        def.Enabled,
		Timezone:       def.Timezone,
	})
	return nil
}

// applyWrite mirrors a successful store write into the trigger registry.
func (e *Engine) applyWrite(s schedule.Schedule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeSeq++
	e.touched[s.ID] = e.writeSeq
	if !e.active {
		return
	}
	if s.Enabled {
		_ = e.armLocked(s)
		return
	}
	e.disarmLocked(s.ID)
}

// TriggerNow enqueues a job for the pair through the same path a timer
// fire takes. The tenant does not need a persisted schedule.
func (e *Engine) TriggerNow(ctx context.Context, tenantID int64, svc schedule.Service) (dispatch.Job, error) {
	if tenantID <= 0 {
		return dispatch.Job{}, &schedule.ValidationError{Field: "tenant_id", Reason: "must be positive"}
	}
	if !svc.Valid() {
		return dispatch.Job{}, &schedule.ValidationError{Field: "service", Value: string(svc), Reason: "unknown service"}
	}
	s, err := e.store.Get(ctx, tenantID, svc)
	if schedule.IsNotFound(err) {
		s = schedule.Schedule{TenantID: tenantID, Service: svc}
	} else if err != nil {
		return dispatch.Job{}, err
	}
	return e.dispatch(ctx, s, SourceManual)
}

// armLocked replaces any trigger of s with a fresh one. Call with e.mu held.
func (e *Engine) armLocked(s schedule.Schedule) error {
	c, err := schedule.Compile(s.CronExpression, s.Timezone)
	if err != nil {
		e.disarmLocked(s.ID)
		e.log.Error("schedule not armed",
			logx.Int64("schedule_id", s.ID),
			logx.Int64("tenant_id", s.TenantID),
			logx.String("service", string(s.Service)),
			logx.Err(err),
		)
		return err
	}
	e.disarmQuietLocked(s.ID)
	e.gen++
	t := &trigger{sched: s, compiled: c, gen: e.gen}
	e.triggers[s.ID] = t
	if !e.scheduleLocked(t, e.clock.Now()) {
		return nil
	}
	e.log.Debug("schedule armed",
		logx.Int64("schedule_id", s.ID),
		logx.Int64("tenant_id", s.TenantID),
		logx.String("service", string(s.Service)),
		logx.String("cron", s.CronExpression),
		logx.String("tz", c.Timezone),
		logx.Time("next", t.next),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleArmed, Data: TriggerEvent{
		ScheduleID: s.ID, TenantID: s.TenantID, Service: s.Service, NextFireAt: t.next,
	}})
	return nil
}

// scheduleLocked sets the timer of t for the first occurrence after from.
// A schedule with no future occurrence is dropped from the registry.
func (e *Engine) scheduleLocked(t *trigger, from time.Time) bool {
	next := t.compiled.Next(from)
	if next.IsZero() {
		delete(e.triggers, t.sched.ID)
		e.log.Warn("schedule has no future fire time", logx.Int64("schedule_id", t.sched.ID), logx.String("cron", t.sched.CronExpression))
		return false
	}
	t.next = next
	d := next.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	id, gen := t.sched.ID, t.gen
	t.timer = e.clock.AfterFunc(d, func() { e.fire(id, gen) })
	return true
}

func (e *Engine) disarmLocked(id int64) bool {
	t, ok := e.triggers[id]
	if !ok {
		return false
	}
	e.disarmQuietLocked(id)
	e.log.Debug("schedule disarmed", logx.Int64("schedule_id", id))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDisarmed, Data: TriggerEvent{
		ScheduleID: id, TenantID: t.sched.TenantID, Service: t.sched.Service,
	}})
	return true
}

func (e *Engine) disarmQuietLocked(id int64) {
	if t, ok := e.triggers[id]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(e.triggers, id)
	}
}

func (e *Engine) disarmAllLocked() int {
	n := len(e.triggers)
	for id, t := range e.triggers {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(e.triggers, id)
	}
	return n
}

// fire runs on the timer goroutine. It re-arms before any I/O so a slow
// enqueue cannot delay the next occurrence.
func (e *Engine) fire(id int64, gen uint64) {
	e.mu.Lock()
	t, ok := e.triggers[id]
	if !e.active || !ok || t.gen != gen {
		e.mu.Unlock()
		return
	}
	from := e.clock.Now()
	if t.next.After(from) {
		from = t.next
	}
	s := t.sched
	e.scheduleLocked(t, from)
	e.stats.fires++
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FireTimeout)
	defer cancel()
	if _, err := e.dispatch(ctx, s, SourceCron); err != nil {
		e.reportEnqueueError(s, err)
	}
}

// dispatch is the single enqueue path shared by timer fires and manual runs.
func (e *Engine) dispatch(ctx context.Context, s schedule.Schedule, src Source) (dispatch.Job, error) {
	tenant := s.TenantID
	job, err := e.enq.EnqueueSync(ctx, s.Service, dispatch.EnqueueOptions{TenantID: &tenant})
	if err != nil {
		return dispatch.Job{}, err
	}
	e.log.Info("schedule fired",
		logx.String("source", string(src)),
		logx.Int64("tenant_id", s.TenantID),
		logx.String("service", string(s.Service)),
		logx.String("job_id", job.JobID),
		logx.String("target_date", job.TargetDate),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: FireEvent{
		ScheduleID: s.ID, TenantID: s.TenantID, Service: s.Service, Source: src, JobID: job.JobID,
	}})

	if s.ID != 0 {
		var next time.Time
		e.mu.Lock()
		if t, ok := e.triggers[s.ID]; ok {
			next = t.next
		}
		e.mu.Unlock()
		if err := e.store.RecordRun(ctx, s.TenantID, s.ID, e.clock.Now(), next); err != nil {
			e.log.Warn("record run failed", logx.Int64("schedule_id", s.ID), logx.Err(err))
		}
	}
	return job, nil
}
