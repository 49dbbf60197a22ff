// Package suppress owns user-controlled suppression state: per-notification
// snoozes and per-task mutes, with expiry passes driven by the background
// ticker.
package suppress

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub002/internal/eventbus"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

const shardCount = 16

// ScheduleControl is the narrow slice of the scheduler the manager needs:
// finding a task's pending notifications and moving them out of / back into
// the delivery path.
type ScheduleControl interface {
	PendingForTask(userID, taskID string) []notification.ScheduledNotification
	Suppress(id, userID string, until time.Time) bool
	Release(id, userID string) bool
}

type Config struct {
	// Timezone resolves "today" and "until_tomorrow" durations.
	Timezone *time.Location
}

type Manager struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	st    storage.Store // nil when persistence is disabled
	sched ScheduleControl

	shards [shardCount]*shard

	// hydrated tracks which users have had their persisted suppressions
	// loaded back into the shards.
	hydMu    sync.Mutex
	hydrated map[string]bool

	// now is swappable in tests.
	now func() time.Time
}

type shard struct {
	mu      sync.Mutex
	snoozes map[string]*notification.Snooze // by snooze ID
	mutes   map[string]*notification.Mute   // by mute ID
}

type SnoozeResult struct {
	SnoozedCount int                   `json:"snoozed_count"`
	Snoozes      []notification.Snooze `json:"snoozes"`
}

func New(cfg Config, sched ScheduleControl, st storage.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{cfg: cfg, log: log, bus: bus, st: st, sched: sched, hydrated: map[string]bool{}, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{
			snoozes: map[string]*notification.Snooze{},
			mutes:   map[string]*notification.Mute{},
		}
	}
	return m
}

func (m *Manager) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return m.shards[h.Sum32()%shardCount]
}

// hydrate restores the user's persisted active snoozes and mutes into the
// shard on first touch, so suppressions survive a restart. In-memory records
// win over stored copies. A load failure leaves the user unhydrated and the
// next touch tries again.
func (m *Manager) hydrate(userID string) {
	if m.st == nil {
		return
	}
	m.hydMu.Lock()
	defer m.hydMu.Unlock()
	if m.hydrated[userID] {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	snoozes, err := m.st.ListActiveSnoozes(ctx, userID)
	if err != nil {
		m.log.Warn("snooze restore failed", logx.String("user", userID), logx.Err(err))
		return
	}
	mutes, err := m.st.ListActiveMutes(ctx, userID)
	if err != nil {
		m.log.Warn("mute restore failed", logx.String("user", userID), logx.Err(err))
		return
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	for i := range snoozes {
		sn := snoozes[i]
		if _, ok := sh.snoozes[sn.ID]; !ok {
			sh.snoozes[sn.ID] = &sn
		}
	}
	for i := range mutes {
		mu := mutes[i]
		if _, ok := sh.mutes[mu.ID]; !ok {
			sh.mutes[mu.ID] = &mu
		}
	}
	sh.mu.Unlock()
	m.hydrated[userID] = true

	if len(snoozes) > 0 || len(mutes) > 0 {
		m.log.Debug("suppressions restored",
			logx.String("user", userID),
			logx.Int("snoozes", len(snoozes)), logx.Int("mutes", len(mutes)))
	}
}

// IsTaskSuppressed reports whether new notifications for the task should be
// suppressed right now, and why ("muted" or "snoozed"). Mutes take precedence.
func (m *Manager) IsTaskSuppressed(userID, taskID string) (bool, string) {
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, mu := range sh.mutes {
		if mu.UserID != userID || mu.TaskID != taskID || mu.Status != notification.SuppressionActive {
			continue
		}
		if mu.MuteUntil == nil || now.Before(*mu.MuteUntil) {
			return true, "muted"
		}
	}
	for _, sn := range sh.snoozes {
		if sn.UserID != userID || sn.TaskID != taskID || sn.Status != notification.SuppressionActive {
			continue
		}
		if now.Before(sn.SnoozeUntil) {
			return true, "snoozed"
		}
	}
	return false, ""
}

// SnoozeTask snoozes every currently scheduled notification for the task: each
// gets a Snooze record and its ScheduledNotification is moved out of the
// delivery path until the snooze expires.
func (m *Manager) SnoozeTask(ctx context.Context, taskID, userID string, dur notification.SnoozeDuration, reason string) (SnoozeResult, error) {
	if _, err := notification.ParseSnoozeDuration(string(dur)); err != nil {
		return SnoozeResult{}, err
	}
	now := m.now()
	until := dur.Until(now, m.cfg.Timezone)

	pending := m.sched.PendingForTask(userID, taskID)
	res := SnoozeResult{}
	sh := m.shardFor(userID)

	for _, sn := range pending {
		if !m.sched.Suppress(sn.ID, userID, until) {
			continue
		}
		rec := &notification.Snooze{
			ID:                    uuid.NewString(),
			NotificationID:        sn.ID,
			UserID:                userID,
			TaskID:                taskID,
			Duration:              dur,
			SnoozeUntil:           until,
			OriginalScheduledTime: sn.ScheduledTime,
			SnoozeCount:           1,
			Status:                notification.SuppressionActive,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		sh.mu.Lock()
		sh.snoozes[rec.ID] = rec
		sh.mu.Unlock()
		m.persistSnooze(ctx, *rec)

		res.SnoozedCount++
		res.Snoozes = append(res.Snoozes, *rec)
	}

	// A task snooze with nothing scheduled still suppresses new notifications
	// until it expires, so record one marker snooze.
	if res.SnoozedCount == 0 {
		rec := &notification.Snooze{
			ID:          uuid.NewString(),
			UserID:      userID,
			TaskID:      taskID,
			Duration:    dur,
			SnoozeUntil: until,
			SnoozeCount: 1,
			Status:      notification.SuppressionActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		sh.mu.Lock()
		sh.snoozes[rec.ID] = rec
		sh.mu.Unlock()
		m.persistSnooze(ctx, *rec)
		res.Snoozes = append(res.Snoozes, *rec)
	}

	m.log.Debug("task snoozed",
		logx.String("task", taskID), logx.String("user", userID),
		logx.String("duration", string(dur)), logx.Int("snoozed", res.SnoozedCount))
	return res, nil
}

// Mute mutes the task. One active mute per task; a new mute supersedes the
// prior one.
func (m *Manager) Mute(ctx context.Context, taskID, userID string, dur notification.MuteDuration, reason string) (*notification.Mute, error) {
	if _, err := notification.ParseMuteDuration(string(dur)); err != nil {
		return nil, err
	}
	m.hydrate(userID)
	now := m.now()

	rec := &notification.Mute{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    userID,
		Duration:  dur,
		Reason:    reason,
		Status:    notification.SuppressionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if until, ok := dur.Until(now, m.cfg.Timezone); ok {
		rec.MuteUntil = &until
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	for _, prev := range sh.mutes {
		if prev.UserID == userID && prev.TaskID == taskID && prev.Status == notification.SuppressionActive {
			prev.Status = notification.SuppressionCancelled
			prev.UpdatedAt = now
			m.persistMute(ctx, *prev)
		}
	}
	sh.mutes[rec.ID] = rec
	sh.mu.Unlock()
	m.persistMute(ctx, *rec)

	m.log.Debug("task muted",
		logx.String("task", taskID), logx.String("user", userID), logx.String("duration", string(dur)))
	return rec, nil
}

// Unmute cancels the active mute for the task. Unknown task mutes report
// NotFound.
func (m *Manager) Unmute(ctx context.Context, taskID, userID string) error {
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	sh.mu.Lock()
	found := false
	for _, mu := range sh.mutes {
		if mu.UserID == userID && mu.TaskID == taskID && mu.Status == notification.SuppressionActive {
			mu.Status = notification.SuppressionCancelled
			mu.UpdatedAt = now
			m.persistMute(ctx, *mu)
			found = true
		}
	}
	sh.mu.Unlock()

	if !found {
		return fault.NotFound("no active mute for task %s", taskID)
	}
	return nil
}

// CancelTaskSnoozes cancels all active snoozes for the task and releases their
// notifications back into scheduling.
func (m *Manager) CancelTaskSnoozes(ctx context.Context, taskID, userID string) (int, error) {
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	var released []string
	sh.mu.Lock()
	for _, sn := range sh.snoozes {
		if sn.UserID == userID && sn.TaskID == taskID && sn.Status == notification.SuppressionActive {
			sn.Status = notification.SuppressionCancelled
			sn.UpdatedAt = now
			m.persistSnooze(ctx, *sn)
			if sn.NotificationID != "" {
				released = append(released, sn.NotificationID)
			}
		}
	}
	sh.mu.Unlock()

	for _, id := range released {
		m.sched.Release(id, userID)
	}
	return len(released), nil
}

// CancelSnooze cancels one snooze. A snooze belonging to a different user is
// reported as NotFound, never as a permission error.
func (m *Manager) CancelSnooze(ctx context.Context, id, userID string) error {
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	sh.mu.Lock()
	sn, ok := sh.snoozes[id]
	if !ok || sn.UserID != userID {
		sh.mu.Unlock()
		return fault.NotFound("snooze %s not found", id)
	}
	if sn.Status != notification.SuppressionActive {
		sh.mu.Unlock()
		return fault.Validation("snooze %s is not active", id)
	}
	sn.Status = notification.SuppressionCancelled
	sn.UpdatedAt = now
	notifID := sn.NotificationID
	m.persistSnooze(ctx, *sn)
	sh.mu.Unlock()

	if notifID != "" {
		m.sched.Release(notifID, userID)
	}
	return nil
}

// CancelMute cancels one mute by ID. A mute belonging to a different user is
// reported as NotFound, never as a permission error.
func (m *Manager) CancelMute(ctx context.Context, id, userID string) error {
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	mu, ok := sh.mutes[id]
	if !ok || mu.UserID != userID {
		return fault.NotFound("mute %s not found", id)
	}
	if mu.Status != notification.SuppressionActive {
		return fault.Validation("mute %s is not active", id)
	}
	mu.Status = notification.SuppressionCancelled
	mu.UpdatedAt = now
	m.persistMute(ctx, *mu)
	return nil
}

// ExtendSnooze pushes an active snooze's expiry further out and bumps its
// snooze count.
func (m *Manager) ExtendSnooze(ctx context.Context, id, userID string, dur notification.SnoozeDuration) (*notification.Snooze, error) {
	if _, err := notification.ParseSnoozeDuration(string(dur)); err != nil {
		return nil, err
	}
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sn, ok := sh.snoozes[id]
	if !ok || sn.UserID != userID {
		return nil, fault.NotFound("snooze %s not found", id)
	}
	if sn.Status != notification.SuppressionActive {
		return nil, fault.Validation("snooze %s is not active", id)
	}
	sn.Duration = dur
	sn.SnoozeUntil = dur.Until(now, m.cfg.Timezone)
	sn.SnoozeCount++
	sn.UpdatedAt = now
	if sn.NotificationID != "" {
		m.sched.Suppress(sn.NotificationID, userID, sn.SnoozeUntil)
	}
	m.persistSnooze(ctx, *sn)
	out := *sn
	return &out, nil
}

// ExtendMute replaces an active mute's duration.
func (m *Manager) ExtendMute(ctx context.Context, id, userID string, dur notification.MuteDuration) (*notification.Mute, error) {
	if _, err := notification.ParseMuteDuration(string(dur)); err != nil {
		return nil, err
	}
	m.hydrate(userID)
	now := m.now()
	sh := m.shardFor(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	mu, ok := sh.mutes[id]
	if !ok || mu.UserID != userID {
		return nil, fault.NotFound("mute %s not found", id)
	}
	if mu.Status != notification.SuppressionActive {
		return nil, fault.Validation("mute %s is not active", id)
	}
	mu.Duration = dur
	mu.MuteUntil = nil
	if until, ok := dur.Until(now, m.cfg.Timezone); ok {
		mu.MuteUntil = &until
	}
	mu.UpdatedAt = now
	m.persistMute(ctx, *mu)
	out := *mu
	return &out, nil
}

// SnoozesForUser returns the user's active snoozes.
func (m *Manager) SnoozesForUser(userID string) []notification.Snooze {
	m.hydrate(userID)
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var out []notification.Snooze
	for _, sn := range sh.snoozes {
		if sn.UserID == userID && sn.Status == notification.SuppressionActive {
			out = append(out, *sn)
		}
	}
	return out
}

// MutesForUser returns the user's active mutes.
func (m *Manager) MutesForUser(userID string) []notification.Mute {
	m.hydrate(userID)
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var out []notification.Mute
	for _, mu := range sh.mutes {
		if mu.UserID == userID && mu.Status == notification.SuppressionActive {
			out = append(out, *mu)
		}
	}
	return out
}

// ExpireDue marks elapsed snoozes and mutes expired and re-evaluates their
// suppressed notifications: a notification whose task is still muted stays
// out of the delivery path; otherwise it re-enters scheduling. Driven by the
// background ticker.
func (m *Manager) ExpireDue(ctx context.Context) (snoozes, mutes int) {
	now := m.now()

	for i := range m.shards {
		sh := m.shards[i]

		type release struct{ notifID, userID, taskID string }
		var releases []release

		sh.mu.Lock()
		for _, mu := range sh.mutes {
			if mu.Status != notification.SuppressionActive || mu.MuteUntil == nil {
				continue
			}
			if !now.Before(*mu.MuteUntil) {
				mu.Status = notification.SuppressionExpired
				mu.UpdatedAt = now
				m.persistMute(ctx, *mu)
				mutes++
				if m.bus != nil {
					m.bus.Publish(eventbus.Event{Type: eventbus.MuteExpired, UserID: mu.UserID, Data: *mu})
				}
			}
		}
		for _, sn := range sh.snoozes {
			if sn.Status != notification.SuppressionActive {
				continue
			}
			if !now.Before(sn.SnoozeUntil) {
				sn.Status = notification.SuppressionExpired
				sn.UpdatedAt = now
				m.persistSnooze(ctx, *sn)
				snoozes++
				if sn.NotificationID != "" {
					releases = append(releases, release{sn.NotificationID, sn.UserID, sn.TaskID})
				}
				if m.bus != nil {
					m.bus.Publish(eventbus.Event{Type: eventbus.SnoozeExpired, UserID: sn.UserID, Data: *sn})
				}
			}
		}
		sh.mu.Unlock()

		// Re-evaluate outside the shard lock: Release only if the task is not
		// still suppressed by an active mute.
		for _, r := range releases {
			if suppressed, reason := m.IsTaskSuppressed(r.userID, r.taskID); suppressed {
				m.log.Debug("snooze expired but task still suppressed",
					logx.String("task", r.taskID), logx.String("reason", reason))
				continue
			}
			m.sched.Release(r.notifID, r.userID)
		}
	}
	return snoozes, mutes
}

func (m *Manager) persistSnooze(ctx context.Context, sn notification.Snooze) {
	if m.st == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	if err := m.st.SaveSnooze(cctx, sn); err != nil {
		m.log.Warn("snooze persist failed", logx.String("id", sn.ID), logx.Err(err))
	}
	cancel()
}

func (m *Manager) persistMute(ctx context.Context, mu notification.Mute) {
	if m.st == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	if err := m.st.SaveMute(cctx, mu); err != nil {
		m.log.Warn("mute persist failed", logx.String("id", mu.ID), logx.Err(err))
	}
	cancel()
}
