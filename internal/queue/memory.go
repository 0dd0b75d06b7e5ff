package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Broker. It follows the same state machine as
// the Redis broker and is used for tests and single-process deployments.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*memJob
	seq    uint64
	paused bool
	closed bool
}

type memJob struct {
	rec      Record
	seq      uint64
	score    float64
	activeAt time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]*memJob{}}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Add(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[rec.ID]; ok {
		return ErrDuplicate
	}
	rec.Priority = clampPriority(rec.Priority)
	rec.State = StateWaiting
	if rec.RunAt.After(rec.CreatedAt) {
		rec.State = StateDelayed
	}
	rec.UpdatedAt = rec.CreatedAt
	m.seq++
	m.jobs[rec.ID] = &memJob{rec: cloneRecord(rec), seq: m.seq, score: waitScore(rec.Priority, rec.CreatedAt)}
	return nil
}

func (m *Memory) Claim(ctx context.Context, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Checked under the lock so a claim never follows a release made after
	// cancellation.
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if m.closed {
		return Record{}, false, ErrClosed
	}
	for _, j := range m.jobs {
		if j.rec.State == StateDelayed && !j.rec.RunAt.After(now) {
			j.rec.State = StateWaiting
		}
	}
	if m.paused {
		return Record{}, false, nil
	}

	var next *memJob
	for _, j := range m.jobs {
		if j.rec.State != StateWaiting {
			continue
		}
		if next == nil || j.score < next.score || (j.score == next.score && j.seq < next.seq) {
			next = j
		}
	}
	if next == nil {
		return Record{}, false, nil
	}
	next.rec.State = StateActive
	next.rec.Attempts++
	next.rec.UpdatedAt = now
	next.activeAt = now
	return cloneRecord(next.rec), true, nil
}

func (m *Memory) finish(id string, now time.Time, apply func(r *Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.rec.State != StateActive {
		return ErrNotActive
	}
	apply(&j.rec)
	j.rec.UpdatedAt = now
	return nil
}

func (m *Memory) Complete(ctx context.Context, id string, result []byte, now time.Time) error {
	return m.finish(id, now, func(r *Record) {
		r.State = StateCompleted
		r.Result = append([]byte(nil), result...)
		r.Progress = 100
		r.FinishedAt = now
	})
}

func (m *Memory) Retry(ctx context.Context, id string, runAt time.Time, reason string, now time.Time) error {
	return m.finish(id, now, func(r *Record) {
		r.State = StateDelayed
		r.RunAt = runAt
		r.FailedReason = reason
	})
}

func (m *Memory) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	return m.finish(id, now, func(r *Record) {
		r.State = StateFailed
		r.FailedReason = reason
		r.FinishedAt = now
	})
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(j.rec), nil
}

func (m *Memory) Counts(ctx context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	c := Counts{Paused: m.paused}
	for _, j := range m.jobs {
		switch j.rec.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateDelayed:
			c.Delayed++
		}
	}
	return c, nil
}

func (m *Memory) Prune(ctx context.Context, policy Retention, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.pruneLocked(StateCompleted, policy.CompletedMaxAge, policy.CompletedMaxCount, now)
	removed += m.pruneLocked(StateFailed, policy.FailedMaxAge, policy.FailedMaxCount, now)
	return removed, nil
}

func (m *Memory) pruneLocked(state State, maxAge time.Duration, maxCount int, now time.Time) int {
	var finished []*memJob
	for _, j := range m.jobs {
		if j.rec.State == state {
			finished = append(finished, j)
		}
	}
	// Newest first so the count limit keeps the most recent jobs.
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].rec.FinishedAt.After(finished[b].rec.FinishedAt)
	})
	removed := 0
	for i, j := range finished {
		tooOld := maxAge > 0 && now.Sub(j.rec.FinishedAt) > maxAge
		tooMany := maxCount > 0 && i >= maxCount
		if tooOld || tooMany {
			delete(m.jobs, j.rec.ID)
			removed++
		}
	}
	return removed
}

func (m *Memory) RequeueStalled(ctx context.Context, activeBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.rec.State == StateActive && j.activeAt.Before(activeBefore) {
			j.rec.State = StateWaiting
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetPaused(ctx context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.paused = paused
	return nil
}

func cloneRecord(r Record) Record {
	r.Payload = append([]byte(nil), r.Payload...)
	if r.Result != nil {
		r.Result = append([]byte(nil), r.Result...)
	}
	return r
}
