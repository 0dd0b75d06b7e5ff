package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metricsync/internal/config"
	"metricsync/internal/dispatch"
	"metricsync/internal/eventbus"
	"metricsync/internal/metrics"
	"metricsync/internal/observability/ops"
	"metricsync/internal/queue"
	"metricsync/internal/runtime/supervisor"
	"metricsync/internal/schedule"
	"metricsync/internal/scheduler"
	"metricsync/internal/storage"
	"metricsync/internal/workflow"
	logx "metricsync/pkg/logx"
)

type App struct {
	role Role

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  schedule.Store
	disp   *dispatch.Dispatcher
	engine *scheduler.Engine
	exec   dispatch.Executor

	metrics *metrics.Metrics
	ops     *ops.Service

	schedEnabled bool
	paused       bool
}

// New loads the config at cfgPath and builds every component for role
// without contacting the store's peers or the broker.
func New(cfgPath string, role Role) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg, err := config.MapLogging(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg)
	a := &App{
		role: role,
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app"), logx.String("role", string(role))),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) (err error) {
	sc, err := config.MapStorage(cfg)
	if err != nil {
		return err
	}
	qc, err := config.MapBroker(cfg)
	if err != nil {
		return err
	}
	dc, err := config.MapDispatch(cfg)
	if err != nil {
		return err
	}
	oc, err := config.MapOps(cfg)
	if err != nil {
		return err
	}

	broker, err := queue.Open(qc)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dc, broker, log, a.bus)
	a.paused = cfg.Dispatcher.Paused
	// Anything opened so far is released when a later step fails.
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if a.role.schedules() {
		schedCfg, err := config.MapScheduler(cfg)
		if err != nil {
			return err
		}
		store, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = store
		a.schedEnabled = config.SchedulerEnabled(cfg)
		a.engine = scheduler.New(schedCfg, store, a.disp, log, scheduler.WithBus(a.bus))
	}
	if a.role.works() {
		wc, err := config.MapWorkflow(cfg)
		if err != nil {
			return err
		}
		a.exec = workflow.New(wc, log)
	}

	a.metrics = metrics.New()
	var triggers metrics.TriggerStats
	if a.engine != nil {
		triggers = a.engine
	}
	if err := a.metrics.Watch(a.disp, triggers); err != nil {
		return err
	}
	if err := a.metrics.WatchBus(a.bus); err != nil {
		return err
	}
	a.ops = ops.New(oc, ops.Sources{
		Metrics: a.metrics.Registry(),
		Ready:   a.ready,
		Stats:   func(ctx context.Context) any { return a.Stats(ctx) },
	}, log)
	return nil
}

// closeResources releases the queue and store opened by build.
func (a *App) closeResources() {
	if a.disp != nil {
		_ = a.disp.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Engine returns the schedule engine (nil for the worker role).
func (a *App) Engine() *scheduler.Engine { return a.engine }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// An unreachable broker is fatal only when this process must consume.
	if err := a.disp.Initialize(a.sup.Context()); err != nil && a.role == RoleWorker {
		return err
	}
	if a.disp.Available() && a.paused {
		if err := a.disp.Pause(a.sup.Context()); err != nil {
			a.log.Warn("pause from config failed", logx.Err(err))
		}
	}

	a.sup.Go0("metrics.events", func(c context.Context) {
		a.metrics.Run(c, a.bus, a.log.With(logx.String("comp", "metrics")))
	})

	if err := a.ops.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.engine != nil && a.schedEnabled {
		if err := a.engine.Start(a.sup.Context()); err != nil {
			return err
		}
	} else if a.engine != nil {
		a.log.Info("scheduler disabled via config; triggers not armed")
	}

	if a.exec != nil {
		if a.disp.Available() {
			a.sup.Go("dispatch.workers", func(c context.Context) error {
				return a.disp.Run(c, a.exec)
			})
		} else {
			a.log.Warn("queue unavailable; workers not started")
		}
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startWatchdog()

	a.log.Info("app started",
		logx.Bool("scheduler", a.engine != nil && a.schedEnabled),
		logx.Bool("workers", a.exec != nil && a.disp.Available()),
	)
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if !a.disp.Available() {
		return dispatch.ErrQueueUnavailable
	}
	if a.engine != nil && a.schedEnabled && !a.engine.Active() {
		return errors.New("scheduler not active")
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first; workers release in-flight jobs on their own.
	a.sup.Cancel()

	// Triggers go first so nothing new is enqueued while the rest unwinds.
	a.step(ctx, "scheduler", 2*time.Second, func(context.Context) error {
		if a.engine != nil {
			a.engine.Stop()
		}
		return nil
	})
	// Waits for supervised goroutines (workers, config watch/reload, metrics).
	a.step(ctx, "supervisor", 15*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "queue", time.Second, func(context.Context) error { return a.disp.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
