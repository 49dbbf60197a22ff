package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Engine lifecycle event types published on the bus.
const (
	EventProcessed   = "event.processed"
	EventDeduped     = "event.deduped"
	EventSuppressed  = "event.suppressed"
	EventQueued      = "event.queued"
	EventQueueFailed = "event.queue_failed"

	NotifScheduled = "notification.scheduled"
	NotifDelivered = "notification.delivered"
	NotifFailed    = "notification.failed"
	NotifCancelled = "notification.cancelled"
	NotifBundled   = "notification.bundled"

	SnoozeExpired = "snooze.expired"
	MuteExpired   = "mute.expired"
)

// Event is a lightweight, in-memory signal used to decouple the engine from
// observers (stats, logging).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type   string
	Time   time.Time
	UserID string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. A concurrently closed
		// channel would panic the send, so recover.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
