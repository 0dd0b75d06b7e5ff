package scheduler

import (
	"context"
	"errors"

	"metricsync/internal/schedule"
)

// ListForTenant returns the tenant's schedules ordered by service, creating
// the disabled default row for any service that has none.
func (e *Engine) ListForTenant(ctx context.Context, tenantID int64) ([]View, error) {
	if tenantID <= 0 {
		return nil, &schedule.ValidationError{Field: "tenant_id", Reason: "must be positive"}
	}
	if _, err := e.store.EnsureDefaults(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for _, s := range rows {
		out = append(out, e.view(s))
	}
	return out, nil
}

// UpsertSchedule creates or replaces the (tenant, service) schedule. Input
// is validated before the store is touched.
func (e *Engine) UpsertSchedule(ctx context.Context, tenantID int64, service, cronExpr string, enabled bool, timezone string) (View, error) {
	svc, err := schedule.ParseService(service)
	if err != nil {
		return View{}, err
	}
	def, err := schedule.Definition{
		TenantID:       tenantID,
		Service:        svc,
		CronExpression: cronExpr,
		Enabled:        enabled,
		Timezone:       timezone,
	}.Validate()
	if err != nil {
		return View{}, err
	}

	cur, err := e.store.Get(ctx, tenantID, svc)
	switch {
	case schedule.IsNotFound(err):
		s, cerr := e.Create(ctx, def)
		if cerr == nil {
			return e.view(s), nil
		}
		if !errors.Is(cerr, schedule.ErrConflict) {
			return View{}, cerr
		}
		// Lost a race with another creator (or EnsureDefaults): update instead.
		if cur, err = e.store.Get(ctx, tenantID, svc); err != nil {
			return View{}, err
		}
	case err != nil:
		return View{}, err
	}

	if err := e.Update(ctx, cur.ID, def); err != nil {
		return View{}, err
	}
	s, err := e.store.Get(ctx, tenantID, svc)
	if err != nil {
		return View{}, err
	}
	return e.view(s), nil
}

// RunNow enqueues one job for the pair immediately.
func (e *Engine) RunNow(ctx context.Context, tenantID int64, service string) (RunResult, error) {
	svc, err := schedule.ParseService(service)
	if err != nil {
		return RunResult{}, err
	}
	job, err := e.TriggerNow(ctx, tenantID, svc)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{JobID: job.JobID, Service: job.Service, TargetDate: job.TargetDate}, nil
}

func (e *Engine) view(s schedule.Schedule) View {
	v := View{Schedule: s}
	if next, ok := e.armedNext(s.ID); ok {
		v.Armed = true
		v.NextFireAt = &next
	}
	return v
}
