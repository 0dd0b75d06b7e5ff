// Package eventbus fans scheduler and dispatcher events out to in-process
// observers (metrics, debug logging). Delivery is best effort: Publish never
// blocks, and a full subscriber loses the event.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types. The part before the dot is the topic used by Subscribe
// filters.
const (
	TopicSchedule = "schedule."
	TopicJob      = "job."
	TopicQueue    = "queue."

	TypeScheduleFired    = TopicSchedule + "fired"
	TypeScheduleArmed    = TopicSchedule + "armed"
	TypeScheduleDisarmed = TopicSchedule + "disarmed"
	TypeEnqueueFailed    = TopicSchedule + "enqueue_failed"
	TypeJobEnqueued      = TopicJob + "enqueued"
	TypeJobCompleted     = TopicJob + "completed"
	TypeJobRetry         = TopicJob + "retry"
	TypeJobFailed        = TopicJob + "failed"
	TypeQueuePaused      = TopicQueue + "paused"
	TypeQueueResumed     = TopicQueue + "resumed"
	TypeQueueUnavailable = TopicQueue + "unavailable"
)

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type starts with one of prefixes, or
	// every event when none are given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscribers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

// Nop returns a bus that drops everything. Subscribers receive a closed channel.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (nopBus) Dropped() uint64 { return 0 }

type subscription struct {
	ch       chan Event
	prefixes []string
}

func (s *subscription) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// mu is held for reading across sends; unsubscribe takes it for writing
	// before closing, so a send never races a close.
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
