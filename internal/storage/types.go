package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the engine runs
// purely in memory (dedup does not survive restarts).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// HistoryEntry records a delivery outcome for audit and display.
// Keep it compact and schema-stable.
type HistoryEntry struct {
	At             time.Time
	UserID         string
	NotificationID string
	TaskID         string
	GeofenceID     string
	Kind           string // "notification" or "bundle"
	Status         string // delivered | failed | cancelled
	Attempts       int
	Error          string
}

// Store is the minimal persistence API used by the engine.
//
// The engine's authoritative working state lives in memory (per-user shards);
// the store exists so dedup survives restarts and so history, snoozes and
// mutes are visible to the surrounding product.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// AppendEvent records an accepted geofence event, keyed uniquely by its
	// fingerprint. Re-inserting the same fingerprint is a no-op, which makes
	// the processor's persist step idempotent.
	AppendEvent(ctx context.Context, e event.GeofenceEvent, fingerprint string) error
	CountEventsSince(ctx context.Context, userID string, since time.Time) (int, error)

	AppendHistory(ctx context.Context, e HistoryEntry) error
	ListHistory(ctx context.Context, userID string, since time.Time, limit int) ([]HistoryEntry, error)

	SaveSnooze(ctx context.Context, s notification.Snooze) error
	SaveMute(ctx context.Context, m notification.Mute) error
	ListActiveSnoozes(ctx context.Context, userID string) ([]notification.Snooze, error)
	ListActiveMutes(ctx context.Context, userID string) ([]notification.Mute, error)

	Prune(ctx context.Context, olderThan time.Time) error
	Close() error
}
