package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"metricsync/internal/eventbus"
	"metricsync/internal/queue"
	"metricsync/internal/runtime/supervisor"
	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

// bookkeepingTimeout bounds broker writes that must happen even while the
// worker context is being canceled.
const bookkeepingTimeout = 10 * time.Second

// WorkerCounters are cumulative outcomes since Run started.
type WorkerCounters struct {
	Claimed   uint64 `json:"claimed"`
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`
	Pruned    uint64 `json:"pruned"`
}

type workerCounters struct {
	claimed, completed, retried, failed, requeued, pruned atomic.Uint64
}

// Counters returns worker outcome counters.
func (d *Dispatcher) Counters() WorkerCounters {
	c := &d.counters
	return WorkerCounters{
		Claimed:   c.claimed.Load(),
		Completed: c.completed.Load(),
		Retried:   c.retried.Load(),
		Failed:    c.failed.Load(),
		Requeued:  c.requeued.Load(),
		Pruned:    c.pruned.Load(),
	}
}

// Run consumes jobs with Config.Concurrency claim loops until ctx is
// canceled. Jobs still executing at shutdown are put back for an immediate
// retry; the interrupted run counts as an attempt.
func (d *Dispatcher) Run(ctx context.Context, exec Executor) error {
	if exec == nil {
		return errors.New("dispatch: nil executor")
	}
	if err := d.ready(); err != nil {
		return err
	}

	limiters := map[schedule.Service]*rate.Limiter{}
	if d.cfg.ServiceRate > 0 {
		for _, svc := range schedule.Services {
			limiters[svc] = rate.NewLimiter(rate.Limit(d.cfg.ServiceRate), d.cfg.ServiceBurst)
		}
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(d.log))
	d.maintain(sup.Context())
	for i := 0; i < d.cfg.Concurrency; i++ {
		idx := i
		// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
		rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", idx), func(ctx context.Context) error {
			return d.workLoop(ctx, exec, limiters, rng)
		}, supervisor.WithRestartBackoff(d.cfg.PollInterval, 30*time.Second), supervisor.WithPublishFirstError(true))
	}
	sup.GoEvery("dispatch.maintenance", d.cfg.MaintenanceInterval, func(ctx context.Context) error {
		d.maintain(ctx)
		return nil
	})

	d.log.Info("workers started", logx.Int("concurrency", d.cfg.Concurrency))
	<-ctx.Done()
	// No deadline: in-flight jobs observe cancellation and release promptly.
	_ = sup.Wait(context.Background())
	d.log.Info("workers stopped")
	return nil
}

func (d *Dispatcher) workLoop(ctx context.Context, exec Executor, limiters map[schedule.Service]*rate.Limiter, rng *rand.Rand) error {
	poll := time.NewTimer(0)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
		}
		// Both cases can be ready at once; never claim after cancellation.
		if ctx.Err() != nil {
			return nil
		}

		rec, ok, err := d.broker.Claim(ctx, d.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim: %w", err)
		}
		if !ok {
			poll.Reset(d.cfg.PollInterval)
			continue
		}
		d.counters.claimed.Add(1)
		if released := d.process(ctx, exec, rec, limiters, rng); released {
			return nil
		}
		poll.Reset(0)
	}
}

// process runs one claimed job to its next state. It reports true when the job
// was released because ctx ended, after which the loop must stop claiming.
func (d *Dispatcher) process(ctx context.Context, exec Executor, rec queue.Record, limiters map[schedule.Service]*rate.Limiter, rng *rand.Rand) bool {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	var job Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		d.fail(bctx, rec, job, fmt.Errorf("invalid payload: %w", err))
		return false
	}
	job.RetryCount = rec.Attempts - 1
	log := d.log.With(
		logx.String("job_id", rec.ID),
		logx.String("service", string(job.Service)),
		logx.String("target_date", job.TargetDate),
		logx.Int("attempt", rec.Attempts),
	)

	// Stalled-job requeue can push a job past its budget without a failure
	// ever being recorded.
	if rec.MaxAttempts > 0 && rec.Attempts > rec.MaxAttempts {
		d.fail(bctx, rec, job, fmt.Errorf("retries exhausted after %d attempts: %s", rec.MaxAttempts, orDefault(rec.FailedReason, "worker lost")))
		return false
	}

	if lim := limiters[job.Service]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			d.interrupted(bctx, rec, log)
			return true
		}
	}

	start := time.Now()
	res, err := d.execute(ctx, exec, job, log)
	dur := time.Since(start)
	if err == nil && !res.Success {
		err = Transient(errors.New(orDefault(res.Error, "sync reported failure")))
	}

	switch {
	case err == nil:
		body, _ := json.Marshal(res)
		if cerr := d.broker.Complete(bctx, rec.ID, body, d.now()); cerr != nil {
			log.Warn("job complete bookkeeping failed", logx.Err(cerr))
			return false
		}
		d.counters.completed.Add(1)
		log.Info("job completed", logx.String("mode", string(res.Mode)), logx.Int("row", res.RowNumber), logx.Duration("dur", dur))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: jobEvent(job, rec.Attempts, "")})

	case ctx.Err() != nil:
		d.interrupted(bctx, rec, log)
		return true

	case IsTerminal(err):
		d.fail(bctx, rec, job, err)

	case rec.MaxAttempts > 0 && rec.Attempts >= rec.MaxAttempts:
		d.fail(bctx, rec, job, fmt.Errorf("retries exhausted after %d attempts: %w", rec.Attempts, err))

	default:
		delay := backoffDelayWithHint(d.cfg, rec.Attempts, err, rng)
		now := d.now()
		if rerr := d.broker.Retry(bctx, rec.ID, now.Add(delay), err.Error(), now); rerr != nil {
			log.Warn("job retry bookkeeping failed", logx.Err(rerr))
			return false
		}
		d.counters.retried.Add(1)
		log.Warn("job retry scheduled", logx.Duration("delay", delay), logx.Duration("dur", dur), logx.Err(err))
		ev := jobEvent(job, rec.Attempts, err.Error())
		ev.Delay = delay
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobRetry, Data: ev})
	}
	return false
}

// execute runs one attempt under the job timeout. Panics become errors so
// one bad workflow can't take the worker down.
func (d *Dispatcher) execute(ctx context.Context, exec Executor, job Job, log logx.Logger) (res Result, err error) {
	jctx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return exec.Execute(jctx, job)
}

func (d *Dispatcher) fail(ctx context.Context, rec queue.Record, job Job, cause error) {
	if err := d.broker.Fail(ctx, rec.ID, cause.Error(), d.now()); err != nil {
		d.log.Warn("job fail bookkeeping failed", logx.String("job_id", rec.ID), logx.Err(err))
		return
	}
	d.counters.failed.Add(1)
	d.log.Error("job failed",
		logx.String("job_id", rec.ID),
		logx.String("service", rec.Name),
		logx.Int("attempts", rec.Attempts),
		logx.Err(cause),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: jobEvent(job, rec.Attempts, cause.Error())})
}

func (d *Dispatcher) interrupted(ctx context.Context, rec queue.Record, log logx.Logger) {
	now := d.now()
	if err := d.broker.Retry(ctx, rec.ID, now, "interrupted by shutdown", now); err != nil {
		log.Warn("job release failed; stalled requeue will recover it", logx.Err(err))
		return
	}
	log.Info("job released on shutdown")
}

// maintain prunes finished jobs past retention and requeues stalled ones.
func (d *Dispatcher) maintain(ctx context.Context) {
	now := d.now()
	if n, err := d.broker.RequeueStalled(ctx, now.Add(-d.cfg.StallTimeout)); err != nil {
		d.log.Warn("stalled requeue failed", logx.Err(err))
	} else if n > 0 {
		d.counters.requeued.Add(uint64(n))
		d.log.Warn("stalled jobs requeued", logx.Int("count", n))
	}
	if n, err := d.broker.Prune(ctx, d.cfg.Retention, now); err != nil {
		d.log.Warn("retention prune failed", logx.Err(err))
	} else if n > 0 {
		d.counters.pruned.Add(uint64(n))
		d.log.Debug("finished jobs pruned", logx.Int("count", n))
	}
}

func jobEvent(job Job, attempt int, errText string) JobEvent {
	return JobEvent{
		JobID:      job.JobID,
		Service:    job.Service,
		TargetDate: job.TargetDate,
		TenantID:   job.TenantID,
		Attempt:    attempt,
		Error:      errText,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
