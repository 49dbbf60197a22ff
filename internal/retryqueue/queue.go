// Package retryqueue holds geofence events whose immediate handling failed
// with a transient error, plus events arriving in offline sync batches, and
// replays them on ticker-driven retry passes with exponential backoff.
package retryqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/eventbus"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/processor"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// Handler re-runs a queued event through the full intake path (processing and,
// when accepted, notification scheduling).
type Handler interface {
	HandleEvent(ctx context.Context, ev event.GeofenceEvent) (processor.Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev event.GeofenceEvent) (processor.Result, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev event.GeofenceEvent) (processor.Result, error) {
	return f(ctx, ev)
}

type Config struct {
	// MaxAttempts is the terminal attempt count; an item that fails this many
	// times stays failed until retried manually.
	MaxAttempts int
	// Backoff is the base delay before the second attempt; it doubles per
	// failure.
	Backoff time.Duration
	// MaxSize bounds the queue; Enqueue beyond it drops the oldest completed
	// or failed items first, then rejects.
	MaxSize int
}

type Queue struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	h   Handler

	mu    sync.Mutex
	items map[string]*item
	order []string // FIFO by enqueue time
	stats Stats

	now func() time.Time
}

type item struct {
	qe          event.QueuedEvent
	nextAttempt time.Time
}

type Stats struct {
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Failed     int    `json:"failed"`
	Enqueued   uint64 `json:"enqueued"`
	Retried    uint64 `json:"total_retries"`
	Completed  uint64 `json:"completed"`
	Dropped    uint64 `json:"dropped"`
}

// SyncResult summarizes an offline batch.
type SyncResult struct {
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
}

func New(cfg Config, h Handler, bus eventbus.Bus, log logx.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		h:     h,
		items: map[string]*item{},
		now:   time.Now,
	}
}

// Enqueue records an event for later retry. The failed first attempt counts,
// so the item arrives with Attempts=1.
func (q *Queue) Enqueue(ctx context.Context, ev event.GeofenceEvent, lastErr string) (event.QueuedEvent, error) {
	if err := ev.Validate(); err != nil {
		return event.QueuedEvent{}, err
	}
	now := q.now()
	qe := event.QueuedEvent{
		ID:         uuid.NewString(),
		Event:      ev,
		Attempts:   1,
		LastError:  lastErr,
		EnqueuedAt: now,
		Status:     event.QueuePending,
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxSize && !q.evictLocked() {
		q.mu.Unlock()
		return event.QueuedEvent{}, fault.Processing("retry queue full", nil)
	}
	q.items[qe.ID] = &item{qe: qe, nextAttempt: now.Add(q.cfg.Backoff)}
	q.order = append(q.order, qe.ID)
	q.stats.Enqueued++
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.EventQueued, UserID: ev.UserID, Data: qe})
	}
	q.log.Debug("event queued for retry",
		logx.String("queue_id", qe.ID), logx.String("event", ev.ID), logx.String("err", lastErr))
	return qe, nil
}

// Retry forces one attempt on a pending or failed item, ignoring its backoff
// timer. It reports whether the event finally processed.
func (q *Queue) Retry(ctx context.Context, queueID string) (bool, error) {
	q.mu.Lock()
	it, ok := q.items[queueID]
	if !ok {
		q.mu.Unlock()
		return false, fault.NotFound("queued event %s not found", queueID)
	}
	if it.qe.Status == event.QueueProcessing {
		q.mu.Unlock()
		return false, fault.Validation("queued event %s is being processed", queueID)
	}
	it.qe.Status = event.QueueProcessing
	ev := it.qe.Event
	q.mu.Unlock()

	return q.attempt(ctx, queueID, ev), nil
}

// ProcessPending replays due pending items oldest-first. Driven by the ticker.
func (q *Queue) ProcessPending(ctx context.Context) (processed int) {
	now := q.now()

	q.mu.Lock()
	var due []string
	for _, id := range q.order {
		it, ok := q.items[id]
		if !ok || it.qe.Status != event.QueuePending || now.Before(it.nextAttempt) {
			continue
		}
		it.qe.Status = event.QueueProcessing
		due = append(due, id)
	}
	q.mu.Unlock()

	for i, id := range due {
		q.mu.Lock()
		it, ok := q.items[id]
		if !ok {
			q.mu.Unlock()
			continue
		}
		ev := it.qe.Event
		q.mu.Unlock()

		if q.attempt(ctx, id, ev) {
			processed++
		}
		if ctx.Err() != nil {
			// Hand the unattempted items back to the next pass; left as
			// processing they would be unreachable forever.
			q.requeue(due[i+1:])
			return processed
		}
	}
	return processed
}

// requeue flips items claimed for this pass but never attempted back to
// pending.
func (q *Queue) requeue(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if it, ok := q.items[id]; ok && it.qe.Status == event.QueueProcessing {
			it.qe.Status = event.QueuePending
		}
	}
}

// attempt runs one handler pass and settles the item's state.
func (q *Queue) attempt(ctx context.Context, queueID string, ev event.GeofenceEvent) bool {
	res, err := q.h.HandleEvent(ctx, ev)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[queueID]
	if !ok {
		return false
	}
	q.stats.Retried++

	if err == nil {
		// Suppressed outcomes (duplicate, muted, quiet hours) complete the
		// item; the event was handled, it just produced no notification.
		delete(q.items, queueID)
		q.removeOrderLocked(queueID)
		q.stats.Completed++
		q.log.Debug("queued event processed",
			logx.String("queue_id", queueID), logx.String("reason", res.Reason))
		return true
	}

	it.qe.Attempts++
	it.qe.LastError = err.Error()
	if it.qe.Attempts >= q.cfg.MaxAttempts || !fault.IsProcessing(err) {
		it.qe.Status = event.QueueFailed
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.EventQueueFailed, UserID: ev.UserID, Data: it.qe})
		}
		q.log.Warn("queued event failed permanently",
			logx.String("queue_id", queueID), logx.Int("attempts", it.qe.Attempts), logx.Err(err))
		return false
	}

	it.qe.Status = event.QueuePending
	it.nextAttempt = now.Add(q.backoffFor(it.qe.Attempts))
	return false
}

// SyncOffline ingests a batch of events recorded while the device was
// offline. Events are handled immediately in batch order; transient failures
// land in the queue, invalid events are skipped. Replaying the same batch is
// harmless because duplicates collapse on fingerprints.
func (q *Queue) SyncOffline(ctx context.Context, events []event.GeofenceEvent) SyncResult {
	var res SyncResult
	for _, ev := range events {
		r, err := q.h.HandleEvent(ctx, ev)
		switch {
		case err == nil && r.Reason == processor.ReasonDuplicate:
			res.Duplicates++
		case err == nil:
			res.Processed++
		case fault.IsProcessing(err):
			if _, qerr := q.Enqueue(ctx, ev, err.Error()); qerr != nil {
				res.Failed++
			} else {
				res.Queued++
			}
		default:
			res.Failed++
			q.log.Warn("offline event rejected", logx.String("event", ev.ID), logx.Err(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	q.log.Info("offline sync",
		logx.Int("processed", res.Processed), logx.Int("duplicates", res.Duplicates),
		logx.Int("queued", res.Queued), logx.Int("failed", res.Failed))
	return res
}

// ForUser lists the user's queued events, oldest first.
func (q *Queue) ForUser(userID string) []event.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []event.QueuedEvent
	for _, id := range q.order {
		if it, ok := q.items[id]; ok && it.qe.Event.UserID == userID {
			out = append(out, it.qe)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Stats snapshots queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	for _, it := range q.items {
		switch it.qe.Status {
		case event.QueuePending:
			s.Pending++
		case event.QueueProcessing:
			s.Processing++
		case event.QueueFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) backoffFor(attempts int) time.Duration {
	d := q.cfg.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}

// evictLocked frees one slot by dropping the oldest failed item.
func (q *Queue) evictLocked() bool {
	for _, id := range q.order {
		if it, ok := q.items[id]; ok && it.qe.Status == event.QueueFailed {
			delete(q.items, id)
			q.removeOrderLocked(id)
			q.stats.Dropped++
			return true
		}
	}
	return false
}

func (q *Queue) removeOrderLocked(id string) {
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
