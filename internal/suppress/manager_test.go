package suppress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// fakeSched records suppress/release traffic from the manager.
type fakeSched struct {
	mu         sync.Mutex
	pending    []notification.ScheduledNotification
	suppressed map[string]time.Time
	released   []string
}

func (f *fakeSched) PendingForTask(userID, taskID string) []notification.ScheduledNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.ScheduledNotification
	for _, sn := range f.pending {
		if sn.UserID == userID && sn.Notification.TaskID == taskID {
			out = append(out, sn)
		}
	}
	return out
}

func (f *fakeSched) Suppress(id, userID string, until time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suppressed == nil {
		f.suppressed = map[string]time.Time{}
	}
	f.suppressed[id] = until
	return true
}

func (f *fakeSched) Release(id, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return true
}

func newManager(sched *fakeSched) *Manager {
	return New(Config{Timezone: time.UTC}, sched, nil, nil, logx.Nop())
}

func scheduled(id, user, task string) notification.ScheduledNotification {
	return notification.ScheduledNotification{
		ID:     id,
		UserID: user,
		Notification: &notification.Notification{
			ID:     "n-" + id,
			TaskID: task,
			UserID: user,
		},
		ScheduledTime: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func TestSnoozeTaskSuppressesScheduled(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{pending: []notification.ScheduledNotification{
		scheduled("s1", "u1", "t1"),
		scheduled("s2", "u1", "t1"),
		scheduled("s3", "u1", "other"),
	}}
	m := newManager(sched)

	res, err := m.SnoozeTask(context.Background(), "t1", "u1", notification.Snooze1h, "busy")
	if err != nil {
		t.Fatalf("SnoozeTask: %v", err)
	}
	if res.SnoozedCount != 2 || len(res.Snoozes) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(sched.suppressed) != 2 {
		t.Fatalf("suppressed %d notifications, want 2", len(sched.suppressed))
	}
	if ok, why := m.IsTaskSuppressed("u1", "t1"); !ok || why != "snoozed" {
		t.Fatalf("IsTaskSuppressed = %v %q", ok, why)
	}
	if ok, _ := m.IsTaskSuppressed("u1", "other"); ok {
		t.Fatalf("unrelated task suppressed")
	}
}

func TestSnoozeWithNothingScheduledLeavesMarker(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	res, err := m.SnoozeTask(context.Background(), "t1", "u1", notification.Snooze15m, "")
	if err != nil {
		t.Fatalf("SnoozeTask: %v", err)
	}
	if res.SnoozedCount != 0 || len(res.Snoozes) != 1 {
		t.Fatalf("result = %+v", res)
	}
	// The marker still blocks new notifications for the task.
	if ok, _ := m.IsTaskSuppressed("u1", "t1"); !ok {
		t.Fatalf("marker snooze did not suppress")
	}
}

func TestSnoozeRejectsUnknownDuration(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	if _, err := m.SnoozeTask(context.Background(), "t1", "u1", "2h", ""); !fault.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMuteTakesPrecedenceOverSnooze(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	ctx := context.Background()

	if _, err := m.SnoozeTask(ctx, "t1", "u1", notification.Snooze1h, ""); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if _, err := m.Mute(ctx, "t1", "u1", notification.Mute8h, "vacation"); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if ok, why := m.IsTaskSuppressed("u1", "t1"); !ok || why != "muted" {
		t.Fatalf("IsTaskSuppressed = %v %q, want muted", ok, why)
	}
}

func TestNewMuteSupersedesOld(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	ctx := context.Background()

	if _, err := m.Mute(ctx, "t1", "u1", notification.Mute1h, ""); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := m.Mute(ctx, "t1", "u1", notification.Mute24h, ""); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if got := m.MutesForUser("u1"); len(got) != 1 || got[0].Duration != notification.Mute24h {
		t.Fatalf("active mutes = %+v", got)
	}
}

func TestPermanentMuteNeverExpires(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	ctx := context.Background()

	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, err := m.Mute(ctx, "t1", "u1", notification.MutePermanent, ""); err != nil {
		t.Fatalf("mute: %v", err)
	}

	now = now.Add(1000 * time.Hour)
	_, mutes := m.ExpireDue(ctx)
	if mutes != 0 {
		t.Fatalf("permanent mute expired")
	}
	if ok, why := m.IsTaskSuppressed("u1", "t1"); !ok || why != "muted" {
		t.Fatalf("IsTaskSuppressed = %v %q", ok, why)
	}
}

func TestUnmuteUnknownTask(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	if err := m.Unmute(context.Background(), "t1", "u1"); !fault.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelMuteOwnership(t *testing.T) {
	t.Parallel()

	m := newManager(&fakeSched{})
	ctx := context.Background()

	rec, err := m.Mute(ctx, "t1", "u1", notification.Mute4h, "")
	if err != nil {
		t.Fatalf("mute: %v", err)
	}

	// Another user's ID probe must read as not found.
	if err := m.CancelMute(ctx, rec.ID, "u2"); !fault.IsNotFound(err) {
		t.Fatalf("foreign cancel: %v", err)
	}
	if err := m.CancelMute(ctx, rec.ID, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, _ := m.IsTaskSuppressed("u1", "t1"); ok {
		t.Fatalf("cancelled mute still suppresses")
	}
	// Cancelling twice is a state error, not a missing record.
	if err := m.CancelMute(ctx, rec.ID, "u1"); !fault.IsValidation(err) {
		t.Fatalf("double cancel: %v", err)
	}
}

func TestCancelSnoozeReleasesNotification(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{pending: []notification.ScheduledNotification{scheduled("s1", "u1", "t1")}}
	m := newManager(sched)
	ctx := context.Background()

	res, err := m.SnoozeTask(ctx, "t1", "u1", notification.Snooze1h, "")
	if err != nil || res.SnoozedCount != 1 {
		t.Fatalf("snooze: %+v %v", res, err)
	}
	if err := m.CancelSnooze(ctx, res.Snoozes[0].ID, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(sched.released) != 1 || sched.released[0] != "s1" {
		t.Fatalf("released = %v", sched.released)
	}
	if ok, _ := m.IsTaskSuppressed("u1", "t1"); ok {
		t.Fatalf("cancelled snooze still suppresses")
	}
}

func TestExtendSnoozeBumpsCount(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{pending: []notification.ScheduledNotification{scheduled("s1", "u1", "t1")}}
	m := newManager(sched)
	ctx := context.Background()

	res, err := m.SnoozeTask(ctx, "t1", "u1", notification.Snooze15m, "")
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	before := res.Snoozes[0].SnoozeUntil

	ext, err := m.ExtendSnooze(ctx, res.Snoozes[0].ID, "u1", notification.Snooze1h)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ext.SnoozeCount != 2 || !ext.SnoozeUntil.After(before) {
		t.Fatalf("extended = %+v", ext)
	}
}

func TestExpireDueHonoursActiveMute(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{pending: []notification.ScheduledNotification{scheduled("s1", "u1", "t1")}}
	m := newManager(sched)
	ctx := context.Background()

	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, err := m.SnoozeTask(ctx, "t1", "u1", notification.Snooze15m, ""); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if _, err := m.Mute(ctx, "t1", "u1", notification.Mute8h, ""); err != nil {
		t.Fatalf("mute: %v", err)
	}

	// Snooze elapses but the mute is still active; the notification must stay
	// out of the delivery path.
	now = now.Add(time.Hour)
	snoozes, mutes := m.ExpireDue(ctx)
	if snoozes != 1 || mutes != 0 {
		t.Fatalf("expired snoozes=%d mutes=%d", snoozes, mutes)
	}
	if len(sched.released) != 0 {
		t.Fatalf("released despite active mute: %v", sched.released)
	}

	// Once the mute elapses too, nothing is left to release it; the scheduler's
	// own suppression window handles that case.
	now = now.Add(9 * time.Hour)
	_, mutes = m.ExpireDue(ctx)
	if mutes != 1 {
		t.Fatalf("expired mutes = %d", mutes)
	}
	if ok, _ := m.IsTaskSuppressed("u1", "t1"); ok {
		t.Fatalf("everything expired, task still suppressed")
	}
}

func TestExpireDueReleasesWhenUnsuppressed(t *testing.T) {
	t.Parallel()

	sched := &fakeSched{pending: []notification.ScheduledNotification{scheduled("s1", "u1", "t1")}}
	m := newManager(sched)
	ctx := context.Background()

	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, err := m.SnoozeTask(ctx, "t1", "u1", notification.Snooze15m, ""); err != nil {
		t.Fatalf("snooze: %v", err)
	}

	now = now.Add(time.Hour)
	snoozes, _ := m.ExpireDue(ctx)
	if snoozes != 1 {
		t.Fatalf("expired snoozes = %d", snoozes)
	}
	if len(sched.released) != 1 || sched.released[0] != "s1" {
		t.Fatalf("released = %v", sched.released)
	}
	// Expired snoozes drop out of the active listing.
	if got := m.SnoozesForUser("u1"); len(got) != 0 {
		t.Fatalf("active snoozes = %+v", got)
	}
}

// fakeStore serves preloaded suppression records and counts restore reads.
type fakeStore struct {
	mu      sync.Mutex
	snoozes []notification.Snooze
	mutes   []notification.Mute
	reads   int
}

func (f *fakeStore) PutDedup(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeStore) AppendEvent(context.Context, event.GeofenceEvent, string) error { return nil }
func (f *fakeStore) CountEventsSince(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) AppendHistory(context.Context, storage.HistoryEntry) error { return nil }
func (f *fakeStore) ListHistory(context.Context, string, time.Time, int) ([]storage.HistoryEntry, error) {
	return nil, nil
}
func (f *fakeStore) SaveSnooze(context.Context, notification.Snooze) error { return nil }
func (f *fakeStore) SaveMute(context.Context, notification.Mute) error     { return nil }

func (f *fakeStore) ListActiveSnoozes(_ context.Context, userID string) ([]notification.Snooze, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	var out []notification.Snooze
	for _, s := range f.snoozes {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveMutes(_ context.Context, userID string) ([]notification.Mute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.Mute
	for _, m := range f.mutes {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) Prune(context.Context, time.Time) error { return nil }
func (f *fakeStore) Close() error                           { return nil }

func (f *fakeStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func TestRestoresSuppressionsAcrossRestart(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		mutes: []notification.Mute{{
			ID:       "m1",
			TaskID:   "t1",
			UserID:   "u1",
			Duration: notification.MutePermanent,
			Status:   notification.SuppressionActive,
		}},
		snoozes: []notification.Snooze{{
			ID:          "s1",
			TaskID:      "t2",
			UserID:      "u1",
			Duration:    notification.Snooze1h,
			SnoozeUntil: time.Now().Add(time.Hour),
			Status:      notification.SuppressionActive,
		}},
	}
	// A fresh manager over an existing store, as after a process restart.
	m := New(Config{Timezone: time.UTC}, &fakeSched{}, st, nil, logx.Nop())

	if ok, why := m.IsTaskSuppressed("u1", "t1"); !ok || why != "muted" {
		t.Fatalf("restored mute: suppressed=%v reason=%q", ok, why)
	}
	if ok, why := m.IsTaskSuppressed("u1", "t2"); !ok || why != "snoozed" {
		t.Fatalf("restored snooze: suppressed=%v reason=%q", ok, why)
	}
	if got := m.MutesForUser("u1"); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("restored mutes = %+v", got)
	}
	if got := st.readCount(); got != 1 {
		t.Fatalf("store read %d times, want 1", got)
	}

	// A restored mute is addressable like a live one.
	if err := m.Unmute(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("unmute restored mute: %v", err)
	}
	if ok, _ := m.IsTaskSuppressed("u1", "t1"); ok {
		t.Fatalf("mute survived unmute")
	}
}
