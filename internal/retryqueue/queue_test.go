package retryqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/processor"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// fakeHandler fails the first failFirst calls with a transient error, then
// behaves like a dedup-aware processor.
type fakeHandler struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	seen      map[string]bool
}

func (f *fakeHandler) HandleEvent(_ context.Context, ev event.GeofenceEvent) (processor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return processor.Result{}, fault.Processing("store down", nil)
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	fp := event.Fingerprint(ev, event.DefaultBucket)
	if f.seen[fp] {
		return processor.Result{Event: ev, Reason: processor.ReasonDuplicate}, nil
	}
	f.seen[fp] = true
	return processor.Result{Event: ev, ShouldNotify: true}, nil
}

func testEvent(id, geofence string) event.GeofenceEvent {
	return event.GeofenceEvent{
		ID:         id,
		UserID:     "u1",
		TaskID:     "t1",
		GeofenceID: geofence,
		EventType:  event.TypeEnter,
		Latitude:   1,
		Longitude:  2,
		Confidence: 0.8,
		Timestamp:  time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}
}

func TestRetryConvergence(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{failFirst: 2}
	q := New(Config{Backoff: time.Second}, h, nil, logx.Nop())

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	qe, err := q.Enqueue(context.Background(), testEvent("e1", "g1"), "store down")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if qe.Attempts != 1 || qe.Status != event.QueuePending {
		t.Fatalf("queued item: %+v", qe)
	}

	// Not due yet.
	if n := q.ProcessPending(context.Background()); n != 0 {
		t.Fatalf("premature retry processed %d", n)
	}

	// First retry fails.
	now = now.Add(2 * time.Second)
	if n := q.ProcessPending(context.Background()); n != 0 {
		t.Fatalf("expected failing retry, processed %d", n)
	}

	// Second retry succeeds and removes the item.
	now = now.Add(time.Minute)
	if n := q.ProcessPending(context.Background()); n != 1 {
		t.Fatalf("expected success, processed %d", n)
	}
	if s := q.Stats(); s.Pending != 0 || s.Completed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestAttemptCeilingIsTerminal(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{failFirst: 1 << 30}
	q := New(Config{MaxAttempts: 3, Backoff: time.Millisecond}, h, nil, logx.Nop())

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	if _, err := q.Enqueue(context.Background(), testEvent("e1", "g1"), "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 10; i++ {
		now = now.Add(time.Hour)
		q.ProcessPending(context.Background())
	}

	s := q.Stats()
	if s.Failed != 1 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
	items := q.ForUser("u1")
	if len(items) != 1 || items[0].Status != event.QueueFailed || items[0].Attempts != 3 {
		t.Fatalf("item = %+v", items)
	}

	// Failed items stay visible, never silently dropped, and can be retried
	// manually once the handler recovers.
	h.mu.Lock()
	h.failFirst = 0
	h.mu.Unlock()
	ok, err := q.Retry(context.Background(), items[0].ID)
	if err != nil || !ok {
		t.Fatalf("manual retry: ok=%v err=%v", ok, err)
	}
	if len(q.ForUser("u1")) != 0 {
		t.Fatalf("completed item should leave the queue")
	}
}

func TestNonTransientErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	bad := HandlerFunc(func(context.Context, event.GeofenceEvent) (processor.Result, error) {
		return processor.Result{}, fault.Validation("garbage in")
	})
	q := New(Config{Backoff: time.Millisecond}, bad, nil, logx.Nop())

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	if _, err := q.Enqueue(context.Background(), testEvent("e1", "g1"), "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now = now.Add(time.Hour)
	q.ProcessPending(context.Background())

	items := q.ForUser("u1")
	if len(items) != 1 || items[0].Status != event.QueueFailed {
		t.Fatalf("validation failure should be terminal: %+v", items)
	}
}

func TestRetryUnknownID(t *testing.T) {
	t.Parallel()

	q := New(Config{}, &fakeHandler{}, nil, logx.Nop())
	if _, err := q.Retry(context.Background(), "nope"); !fault.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSyncOfflineIsIdempotent(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	q := New(Config{}, h, nil, logx.Nop())
	ctx := context.Background()

	batch := []event.GeofenceEvent{
		testEvent("e1", "g1"),
		testEvent("e2", "g2"),
		testEvent("e3", "g3"),
	}

	first := q.SyncOffline(ctx, batch)
	if first.Processed != 3 || first.Duplicates != 0 || first.Failed != 0 {
		t.Fatalf("first sync = %+v", first)
	}

	// Replaying the same batch must not double-notify.
	second := q.SyncOffline(ctx, batch)
	if second.Processed != 0 || second.Duplicates != 3 {
		t.Fatalf("second sync = %+v", second)
	}
}

func TestSyncOfflineQueuesTransientFailures(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{failFirst: 1}
	q := New(Config{}, h, nil, logx.Nop())

	res := q.SyncOffline(context.Background(), []event.GeofenceEvent{
		testEvent("e1", "g1"),
		testEvent("e2", "g2"),
	})
	if res.Queued != 1 || res.Processed != 1 {
		t.Fatalf("sync = %+v", res)
	}
	if s := q.Stats(); s.Pending != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEnqueueRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	q := New(Config{}, &fakeHandler{}, nil, logx.Nop())
	ev := testEvent("e1", "g1")
	ev.UserID = ""
	if _, err := q.Enqueue(context.Background(), ev, "x"); !fault.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelledPassLeavesItemsRetryable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The handler succeeds but cancels the pass, as a shutdown landing
	// between attempts would.
	h := HandlerFunc(func(_ context.Context, ev event.GeofenceEvent) (processor.Result, error) {
		cancel()
		return processor.Result{Event: ev, ShouldNotify: true}, nil
	})
	q := New(Config{Backoff: time.Millisecond}, h, nil, logx.Nop())

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := q.Enqueue(context.Background(), testEvent(id, "g-"+id), "store down"); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	now = now.Add(time.Hour)
	if n := q.ProcessPending(ctx); n != 1 {
		t.Fatalf("cancelled pass processed %d, want 1", n)
	}

	// The unattempted items must come back as pending, not sit in
	// processing where every later pass and manual retry would skip them.
	if s := q.Stats(); s.Processing != 0 || s.Pending != 2 {
		t.Fatalf("stats after cancelled pass = %+v", s)
	}
	if n := q.ProcessPending(context.Background()); n != 2 {
		t.Fatalf("follow-up pass processed %d, want 2", n)
	}
	if s := q.Stats(); s.Pending != 0 || s.Processing != 0 || s.Completed != 3 {
		t.Fatalf("final stats = %+v", s)
	}
}
