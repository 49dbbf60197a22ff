package eventbus

import (
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: NotifDelivered, UserID: "u1"})

	ev := <-ch
	if ev.Type != NotifDelivered || ev.UserID != "u1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatalf("publish did not stamp time")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer, then publish more; Publish must return immediately.
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventProcessed})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	// Publishing into a closed subscription must not panic.
	b.Publish(Event{Type: EventProcessed})
}

func TestSubscribersAreIndependent(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	defer unsubA()
	c, unsubC := b.Subscribe(2)
	unsubC()

	b.Publish(Event{Type: SnoozeExpired})
	if len(a) != 1 {
		t.Fatalf("live subscriber got %d events", len(a))
	}
	select {
	case _, ok := <-c:
		if ok {
			t.Fatalf("unsubscribed channel received an event")
		}
	default:
	}
}
