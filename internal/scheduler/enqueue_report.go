package scheduler

import (
	"errors"
	"time"

	"metricsync/internal/dispatch"
	"metricsync/internal/eventbus"
	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed fire at most once per throttle window per
// schedule and always publishes it. The fire is not retried.
func (e *Engine) reportEnqueueError(s schedule.Schedule, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.stats.enqueueErrors++
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Type: eventbus.TypeEnqueueFailed, Data: FireEvent{
		ScheduleID: s.ID, TenantID: s.TenantID, Service: s.Service, Source: SourceCron, Error: err.Error(),
	}})

	now := e.clock.Now()
	e.enqMu.Lock()
	last := e.lastEnqWarn[s.ID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		e.enqMu.Unlock()
		return
	}
	e.lastEnqWarn[s.ID] = now
	e.enqMu.Unlock()

	fields := []logx.Field{
		logx.Int64("schedule_id", s.ID),
		logx.Int64("tenant_id", s.TenantID),
		logx.String("service", string(s.Service)),
		logx.Err(err),
	}
	// The queue being down is reported once at Initialize; keep fires quiet.
	if errors.Is(err, dispatch.ErrQueueUnavailable) {
		e.log.Debug("schedule fire dropped; queue unavailable", fields...)
		return
	}
	e.log.Warn("schedule failed to enqueue job", fields...)
}
