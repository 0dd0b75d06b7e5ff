package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsync/internal/dispatch"
	"metricsync/internal/queue"
	"metricsync/internal/schedule"
	"metricsync/internal/storage"
	logx "metricsync/pkg/logx"
)

func TestUpsertCreateThenUpdateKeepsOneRow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	v, err := h.engine.UpsertSchedule(context.Background(), 1, "meta", "0 2 * * *", true, "UTC")
	require.NoError(t, err)
	assert.True(t, v.Armed)
	id := v.ID

	v, err = h.engine.UpsertSchedule(context.Background(), 1, "meta", "0 3 * * *", true, "UTC")
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)
	require.NotNil(t, v.NextFireAt)
	assert.WithinDuration(t, t0.Add(3*time.Hour), *v.NextFireAt, 0)

	views, err := h.engine.ListForTenant(context.Background(), 1)
	require.NoError(t, err)
	var metas []View
	for _, v := range views {
		if v.Service == schedule.ServiceMeta {
			metas = append(metas, v)
		}
	}
	require.Len(t, metas, 1)
	assert.Equal(t, "0 3 * * *", metas[0].CronExpression)
	assert.True(t, metas[0].Armed)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestListForTenantCreatesDisabledDefaults(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	views, err := h.engine.ListForTenant(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, views, 3)
	for i, svc := range []schedule.Service{schedule.ServiceGA4, schedule.ServiceMeta, schedule.ServiceShopify} {
		assert.Equal(t, svc, views[i].Service)
		assert.Equal(t, int64(5), views[i].TenantID)
		assert.False(t, views[i].Enabled)
		assert.False(t, views[i].Armed)
		assert.Nil(t, views[i].NextFireAt)
		assert.Equal(t, schedule.DefaultCron(svc), views[i].CronExpression)
	}

	// Defaults are created once.
	again, err := h.engine.ListForTenant(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.Equal(t, 0, h.engine.Snapshot().Armed)
}

func TestUpsertAfterDefaultsUpdatesInPlace(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))
	views, err := h.engine.ListForTenant(context.Background(), 1)
	require.NoError(t, err)

	v, err := h.engine.UpsertSchedule(context.Background(), 1, "GA4", "15 6 * * 1-5", true, "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, views[0].ID, v.ID)
	assert.Equal(t, "Europe/Berlin", v.Timezone)
	assert.True(t, v.Armed)
}

func TestUpsertInvalidTimezoneWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	_, err := h.engine.UpsertSchedule(context.Background(), 1, "shopify", "0 4 * * *", true, "Invalid/Timezone")
	require.Error(t, err)
	assert.True(t, schedule.IsValidation(err))
	_, err = h.store.Get(context.Background(), 1, schedule.ServiceShopify)
	assert.True(t, schedule.IsNotFound(err), "no row created")

	_, err = h.engine.UpsertSchedule(context.Background(), 1, "shopify", "0 4 * * *", false, "UTC")
	require.NoError(t, err)
	_, err = h.engine.UpsertSchedule(context.Background(), 1, "shopify", "0 5 * * *", true, "Invalid/Timezone")
	require.Error(t, err)

	got, err := h.store.Get(context.Background(), 1, schedule.ServiceShopify)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", got.CronExpression, "existing row untouched")
	assert.False(t, got.Enabled)
	assert.Equal(t, 0, h.engine.Snapshot().Armed)
}

func TestUpsertRejectsMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	for _, tc := range []struct{ service, cron string }{
		{"meta", "0 2 * *"},
		{"meta", "* * * * * *"},
		{"tiktok", "0 2 * * *"},
	} {
		_, err := h.engine.UpsertSchedule(context.Background(), 1, tc.service, tc.cron, true, "UTC")
		assert.True(t, schedule.IsValidation(err), "%s %q", tc.service, tc.cron)
	}
	rows, err := h.store.ListForTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestListForTenantIsolatesTenants(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.UpsertSchedule(context.Background(), 1, "ga4", "0 2 * * *", true, "UTC")
	require.NoError(t, err)
	_, err = h.engine.UpsertSchedule(context.Background(), 2, "ga4", "0 9 * * *", true, "Asia/Tokyo")
	require.NoError(t, err)

	for _, tenant := range []int64{1, 2} {
		views, err := h.engine.ListForTenant(context.Background(), tenant)
		require.NoError(t, err)
		for _, v := range views {
			assert.Equal(t, tenant, v.TenantID)
		}
	}
	one, err := h.engine.ListForTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", one[0].CronExpression)

	_, err = h.engine.ListForTenant(context.Background(), 0)
	assert.True(t, schedule.IsValidation(err))
}

func TestRunNowEnqueuesOneJobForYesterday(t *testing.T) {
	d := dispatch.New(dispatch.Config{}, queue.NewMemory(), logx.Nop(), nil)
	require.NoError(t, d.Initialize(context.Background()))
	e := New(Config{}, storage.NewMemory(), d, logx.Nop())

	before := time.Now()
	res, err := e.RunNow(context.Background(), 4, "shopify")
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, schedule.ServiceShopify, res.Service)

	st, err := d.GetJobStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, st.State)
	assert.Contains(t, []string{dispatch.YesterdayUTC(before), dispatch.YesterdayUTC(time.Now())}, st.Data.TargetDate)
	require.NotNil(t, st.Data.TenantID)
	assert.Equal(t, int64(4), *st.Data.TenantID)

	stats := d.GetStats(context.Background())
	assert.Equal(t, int64(1), stats.Waiting+stats.Delayed)
}

func TestRunNowUnavailableQueue(t *testing.T) {
	b := queue.NewMemory()
	require.NoError(t, b.Close())
	d := dispatch.New(dispatch.Config{ConnectTimeout: 20 * time.Millisecond}, b, logx.Nop(), nil)
	require.Error(t, d.Initialize(context.Background()))

	e := New(Config{}, storage.NewMemory(), d, logx.Nop())
	_, err := e.RunNow(context.Background(), 1, "meta")
	assert.ErrorIs(t, err, dispatch.ErrQueueUnavailable)
}
