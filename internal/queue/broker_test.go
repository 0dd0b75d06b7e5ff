package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokers(t *testing.T) map[string]Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Broker{
		"memory": NewMemory(),
		"redis":  NewRedis(client, "test:"),
	}
}

func forEachBroker(t *testing.T, fn func(t *testing.T, b Broker)) {
	t.Helper()
	for name, b := range brokers(t) {
		b := b
		t.Run(name, func(t *testing.T) { fn(t, b) })
	}
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, priority int, created time.Time, delay time.Duration) Record {
	return Record{
		ID:          id,
		Name:        "meta",
		Payload:     []byte(`{"job_id":"` + id + `"}`),
		Priority:    priority,
		MaxAttempts: 3,
		CreatedAt:   created,
		RunAt:       created.Add(delay),
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Add(ctx, rec("a", 0, t0, 0)))
		require.NoError(t, b.Add(ctx, rec("b", 5, t0.Add(time.Second), 0)))
		require.NoError(t, b.Add(ctx, rec("c", 0, t0.Add(2*time.Second), 0)))

		var order []string
		for i := 0; i < 3; i++ {
			got, ok, err := b.Claim(ctx, t0.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, StateActive, got.State)
			assert.Equal(t, 1, got.Attempts)
			order = append(order, got.ID)
		}
		assert.Equal(t, []string{"b", "a", "c"}, order)

		_, ok, err := b.Claim(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClaimWithCanceledContextLeavesJobWaiting(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		require.NoError(t, b.Add(context.Background(), rec("a", 0, t0, 0)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok, err := b.Claim(ctx, t0.Add(time.Minute))
		require.Error(t, err)
		assert.False(t, ok)

		got, err := b.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, got.State)
		assert.Equal(t, 0, got.Attempts)
	})
}

func TestDelayedJobBecomesClaimableWhenDue(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Add(ctx, rec("late", 0, t0, 30*time.Second)))

		c, err := b.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Delayed)

		_, ok, err := b.Claim(ctx, t0.Add(10*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		got, ok, err := b.Claim(ctx, t0.Add(30*time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "late", got.ID)
	})
}

func TestCompleteRetryFail(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Add(ctx, rec("j", 0, t0, 0)))

		_, ok, err := b.Claim(ctx, t0)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, b.Retry(ctx, "j", t0.Add(2*time.Second), "upstream 503", t0))
		got, err := b.Get(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, got.State)
		assert.Equal(t, "upstream 503", got.FailedReason)

		// Not active anymore: completing must be refused.
		assert.True(t, errors.Is(b.Complete(ctx, "j", nil, t0), ErrNotActive))

		got, ok, err = b.Claim(ctx, t0.Add(2*time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, got.Attempts)

		require.NoError(t, b.Complete(ctx, "j", []byte(`{"success":true}`), t0.Add(3*time.Second)))
		got, err = b.Get(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.State)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, `{"success":true}`, string(got.Result))
		assert.True(t, got.FinishedAt.Equal(t0.Add(3*time.Second)))

		require.NoError(t, b.Add(ctx, rec("k", 0, t0, 0)))
		_, _, err = b.Claim(ctx, t0)
		require.NoError(t, err)
		require.NoError(t, b.Fail(ctx, "k", "retries exhausted", t0))

		c, err := b.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Completed: 1, Failed: 1}, c)
	})
}

func TestGetMissing(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		_, err := b.Get(context.Background(), "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(b.Complete(context.Background(), "nope", nil, t0), ErrNotFound))
	})
}

func TestAddDuplicate(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Add(ctx, rec("x", 0, t0, 0)))
		assert.True(t, errors.Is(b.Add(ctx, rec("x", 0, t0, 0)), ErrDuplicate))
	})
}

func TestPausedKeepsJobsQueued(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.SetPaused(ctx, true))
		require.NoError(t, b.Add(ctx, rec("p", 0, t0, 0)))

		_, ok, err := b.Claim(ctx, t0)
		require.NoError(t, err)
		assert.False(t, ok)

		c, err := b.Counts(ctx)
		require.NoError(t, err)
		assert.True(t, c.Paused)
		assert.Equal(t, int64(1), c.Waiting)

		require.NoError(t, b.SetPaused(ctx, false))
		got, ok, err := b.Claim(ctx, t0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "p", got.ID)
	})
}

func TestRequeueStalled(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Add(ctx, rec("s", 0, t0, 0)))
		_, ok, err := b.Claim(ctx, t0)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := b.RequeueStalled(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "claimed exactly at cutoff is not stalled")

		n, err = b.RequeueStalled(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, ok, err := b.Claim(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, got.Attempts)
	})
}

func TestPruneByCountAndAge(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		for i, id := range []string{"c1", "c2", "c3", "c4"} {
			at := t0.Add(time.Duration(i) * time.Minute)
			require.NoError(t, b.Add(ctx, rec(id, 0, at, 0)))
			_, ok, err := b.Claim(ctx, at)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, b.Complete(ctx, id, nil, at))
		}

		removed, err := b.Prune(ctx, Retention{CompletedMaxCount: 3}, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		_, err = b.Get(ctx, "c1")
		assert.True(t, errors.Is(err, ErrNotFound), "oldest completed job is pruned first")

		// c2 finished at t0+1m, c3 at t0+2m, c4 at t0+3m; keep only the last 90s.
		removed, err = b.Prune(ctx, Retention{CompletedMaxAge: 90 * time.Second}, t0.Add(4*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		c, err := b.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Completed)
	})
}
