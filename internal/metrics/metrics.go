// Package metrics turns bus events and component snapshots into Prometheus
// series.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"metricsync/internal/dispatch"
	"metricsync/internal/eventbus"
	"metricsync/internal/scheduler"
	logx "metricsync/pkg/logx"
)

const namespace = "metricsync"

// QueueStats is the dispatcher side read by the collector.
type QueueStats interface {
	GetStats(ctx context.Context) dispatch.Stats
}

// TriggerStats is the scheduler side read by the collector.
type TriggerStats interface {
	Snapshot() scheduler.Snapshot
}

type Metrics struct {
	reg *prometheus.Registry

	fires           *prometheus.CounterVec
	enqueueFailures *prometheus.CounterVec
	armChanges      *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	unavailable     prometheus.Counter
}

// New builds a private registry with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Schedule dispatches that produced a job.",
		}, []string{"service", "source"}),
		enqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "enqueue_failures_total",
			Help:      "Schedule dispatches the queue rejected.",
		}, []string{"service", "source"}),
		armChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "trigger_changes_total",
			Help:      "Triggers armed or disarmed.",
		}, []string{"change"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Job lifecycle transitions.",
		}, []string{"service", "outcome"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retry_delay_seconds",
			Help:      "Backoff applied before a retry.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"service"}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_unavailable_total",
			Help:      "Failed queue initializations.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fires, m.enqueueFailures, m.armChanges, m.jobs, m.retryDelay, m.unavailable,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Watch registers gauges read from the queue and the engine at scrape
// time. Either side may be nil.
func (m *Metrics) Watch(q QueueStats, t TriggerStats) error {
	return m.reg.Register(&stateCollector{queue: q, triggers: t, timeout: 2 * time.Second})
}

// WatchBus exports the deliveries bus lost to slow subscribers.
func (m *Metrics) WatchBus(bus eventbus.Bus) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_events_total",
		Help:      "Events not delivered because a subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Observe folds one bus event into the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeScheduleFired:
		if f, ok := e.Data.(scheduler.FireEvent); ok {
			m.fires.WithLabelValues(string(f.Service), string(f.Source)).Inc()
		}
	case eventbus.TypeEnqueueFailed:
		if f, ok := e.Data.(scheduler.FireEvent); ok {
			m.enqueueFailures.WithLabelValues(string(f.Service), string(f.Source)).Inc()
		}
	case eventbus.TypeScheduleArmed:
		m.armChanges.WithLabelValues("armed").Inc()
	case eventbus.TypeScheduleDisarmed:
		m.armChanges.WithLabelValues("disarmed").Inc()
	case eventbus.TypeJobEnqueued, eventbus.TypeJobCompleted, eventbus.TypeJobFailed, eventbus.TypeJobRetry:
		j, ok := e.Data.(dispatch.JobEvent)
		if !ok {
			return
		}
		m.jobs.WithLabelValues(string(j.Service), outcome(e.Type)).Inc()
		if e.Type == eventbus.TypeJobRetry {
			m.retryDelay.WithLabelValues(string(j.Service)).Observe(j.Delay.Seconds())
		}
	case eventbus.TypeQueueUnavailable:
		m.unavailable.Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(256, eventbus.TopicSchedule, eventbus.TopicJob, eventbus.TopicQueue)
	defer unsub()
	log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func outcome(typ string) string {
	switch typ {
	case eventbus.TypeJobEnqueued:
		return "enqueued"
	case eventbus.TypeJobCompleted:
		return "completed"
	case eventbus.TypeJobRetry:
		return "retried"
	default:
		return "failed"
	}
}
