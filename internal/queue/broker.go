// Package queue holds the durable job broker used between the scheduler and
// the sync workers.
//
// A job moves through waiting -> active -> completed, or back to delayed when
// a retry is scheduled, and finally to failed once attempts are exhausted.
// Delivery is at-least-once: an active job whose worker vanished is put back
// to waiting by RequeueStalled.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("queue: job not found")
	ErrNotActive = errors.New("queue: job is not active")
	ErrDuplicate = errors.New("queue: job id already exists")
	ErrClosed    = errors.New("queue: broker closed")
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// MaxPriority bounds Record.Priority; higher values are claimed first.
const MaxPriority = 100

// Record is the broker's view of a job. Payload is opaque to the broker.
type Record struct {
	ID           string
	Name         string
	Payload      []byte
	Priority     int
	State        State
	Attempts     int
	MaxAttempts  int
	RunAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
	Progress     int
	Result       []byte
	FailedReason string
}

// Counts is the number of jobs in each state.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Paused    bool
}

// Retention bounds how long finished jobs are kept for inspection.
// Zero values disable the corresponding limit.
type Retention struct {
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
	FailedMaxCount    int
}

// Broker is a durable queue with delayed jobs, priorities and
// explicit completion.
type Broker interface {
	Ping(ctx context.Context) error
	// Add stores rec as delayed when RunAt is after CreatedAt, else waiting.
	Add(ctx context.Context, rec Record) error
	// Claim promotes due delayed jobs, then moves the next waiting job to
	// active and increments its attempts. ok is false when nothing is
	// claimable or the queue is paused.
	Claim(ctx context.Context, now time.Time) (rec Record, ok bool, err error)
	Complete(ctx context.Context, id string, result []byte, now time.Time) error
	Retry(ctx context.Context, id string, runAt time.Time, reason string, now time.Time) error
	Fail(ctx context.Context, id string, reason string, now time.Time) error
	Get(ctx context.Context, id string) (Record, error)
	Counts(ctx context.Context) (Counts, error)
	Prune(ctx context.Context, policy Retention, now time.Time) (int, error)
	RequeueStalled(ctx context.Context, activeBefore time.Time) (int, error)
	SetPaused(ctx context.Context, paused bool) error
	Close() error
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// waitScore orders waiting jobs: higher priority first, then FIFO by creation.
func waitScore(priority int, created time.Time) float64 {
	return -float64(clampPriority(priority))*1e13 + float64(created.UnixMilli())
}
