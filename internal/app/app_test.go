package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsync/internal/config"
	"metricsync/internal/eventbus"
	"metricsync/internal/queue"
	logx "metricsync/pkg/logx"
)

const testConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "broker": {"driver": "memory"},
  "scheduler": {"fire_timeout": "1s"},
  "dispatcher": {"backoff_base": "10ms", "backoff_max": "50ms"},
  "worker": {"concurrency": 1, "poll_interval": "10ms"},
  "workflow": {}
}`

func newTestApp(t *testing.T, role Role, body string) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "metricsync.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	a, err := New(p, role)
	require.NoError(t, err)
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"": RoleAll, "ALL": RoleAll, "scheduler": RoleScheduler, " worker ": RoleWorker} {
		got, err := ParseRole(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRole("both")
	assert.Error(t, err)
}

func TestAppRunsScheduleToCompletion(t *testing.T) {
	a := newTestApp(t, RoleAll, testConfig)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	require.NotNil(t, a.Engine())
	assert.True(t, a.Engine().Active())
	require.NoError(t, a.ready(context.Background()))

	v, err := a.Engine().UpsertSchedule(context.Background(), 7, "meta", "0 2 * * *", true, "UTC")
	require.NoError(t, err)
	assert.True(t, v.Armed)

	res, err := a.Engine().RunNow(context.Background(), 7, "meta")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := a.Dispatcher().GetJobStatus(context.Background(), res.JobID)
		return err == nil && st.State == queue.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	st := a.Stats(context.Background())
	assert.Equal(t, RoleAll, st.Role)
	assert.True(t, st.Queue.Available)
	require.NotNil(t, st.Scheduler)
	assert.Equal(t, 1, st.Scheduler.Armed)
	require.NotNil(t, st.Workers)
	assert.Equal(t, uint64(1), st.Workers.Completed)
}

func TestWorkerRoleHasNoEngine(t *testing.T) {
	a := newTestApp(t, RoleWorker, testConfig)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	assert.Nil(t, a.Engine())
	st := a.Stats(context.Background())
	assert.Nil(t, st.Scheduler)
	assert.NotNil(t, st.Workers)
}

func TestSchedulerRoleEnqueuesWithoutWorkers(t *testing.T) {
	a := newTestApp(t, RoleScheduler, testConfig)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	res, err := a.Engine().RunNow(context.Background(), 1, "ga4")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	st, err := a.Dispatcher().GetJobStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, st.State)
	assert.Nil(t, a.Stats(context.Background()).Workers)
}

func TestPausedConfigAppliedAtStart(t *testing.T) {
	body := `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "broker": {"driver": "memory"},
  "scheduler": {"enabled": false},
  "dispatcher": {"paused": true},
  "worker": {"poll_interval": "10ms"}
}`
	a := newTestApp(t, RoleAll, body)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	assert.False(t, a.Engine().Active())
	assert.True(t, a.Dispatcher().GetStats(context.Background()).Paused)

	a.applyPaused(context.Background(), false)
	assert.False(t, a.Dispatcher().GetStats(context.Background()).Paused)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"storage":{"driver":"sqlite"}}`), 0o600))
	_, err := New(p, RoleAll)
	assert.Error(t, err)
}

func TestBuildFailureReleasesQueueAndStore(t *testing.T) {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "schedules.db")},
		Broker:   config.BrokerConfig{Driver: "memory"},
		Workflow: config.WorkflowConfig{Endpoint: "ftp://sync.invalid"},
	}
	a := &App{role: RoleAll, log: logx.Nop(), bus: eventbus.Nop()}
	require.Error(t, a.build(cfg, logx.Nop()))

	require.NotNil(t, a.store)
	_, err := a.store.ListEnabled(context.Background())
	assert.Error(t, err, "store should be closed")

	require.NotNil(t, a.disp)
	assert.Error(t, a.disp.Initialize(context.Background()), "queue should be closed")
}
