package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueJobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Jobs in the queue by state.",
		[]string{"state"}, nil,
	)
	queueAvailableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "available"),
		"1 when the queue broker is reachable.",
		nil, nil,
	)
	queuePausedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "paused"),
		"1 while workers are told not to claim jobs.",
		nil, nil,
	)
	armedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "armed_triggers"),
		"Triggers currently armed.",
		nil, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "active"),
		"1 while the engine is started.",
		nil, nil,
	)
	refreshesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "refreshes_total"),
		"Completed reconciliations.",
		nil, nil,
	)
)

// stateCollector reads queue counts and engine state on every scrape.
type stateCollector struct {
	queue    QueueStats
	triggers TriggerStats
	timeout  time.Duration
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.queue != nil {
		ch <- queueJobsDesc
		ch <- queueAvailableDesc
		ch <- queuePausedDesc
	}
	if c.triggers != nil {
		ch <- armedDesc
		ch <- activeDesc
		ch <- refreshesDesc
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		st := c.queue.GetStats(ctx)
		cancel()

		ch <- prometheus.MustNewConstMetric(queueAvailableDesc, prometheus.GaugeValue, boolValue(st.Available))
		if st.Available {
			ch <- prometheus.MustNewConstMetric(queuePausedDesc, prometheus.GaugeValue, boolValue(st.Paused))
			for state, n := range map[string]int64{
				"waiting":   st.Waiting,
				"active":    st.Active,
				"completed": st.Completed,
				"failed":    st.Failed,
				"delayed":   st.Delayed,
			} {
				ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(n), state)
			}
		}
	}
	if c.triggers != nil {
		snap := c.triggers.Snapshot()
		ch <- prometheus.MustNewConstMetric(armedDesc, prometheus.GaugeValue, float64(snap.Armed))
		ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, boolValue(snap.Active))
		ch <- prometheus.MustNewConstMetric(refreshesDesc, prometheus.CounterValue, float64(snap.Refreshes))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
