package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeJobEnqueued, Data: "x"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeJobEnqueued || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()

	b := New()
	jobs, unsub := b.Subscribe(4, TopicJob)
	defer unsub()

	b.Publish(Event{Type: TypeScheduleFired})
	b.Publish(Event{Type: TypeQueuePaused})
	b.Publish(Event{Type: TypeJobFailed})

	if e := <-jobs; e.Type != TypeJobFailed {
		t.Fatalf("got %q, want %q", e.Type, TypeJobFailed)
	}
	select {
	case e := <-jobs:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events must not count as dropped, got %d", b.Dropped())
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full; must not block

	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, unsub := b.Subscribe(1)
				b.Publish(Event{Type: TypeJobRetry})
				unsub()
			}
		}()
	}
	wg.Wait()
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1, TopicJob)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("nop subscription should be closed")
	}
	if b.Dropped() != 0 {
		t.Fatal("nop bus never drops")
	}
}
