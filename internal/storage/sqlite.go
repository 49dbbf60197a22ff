package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e event.GeofenceEvent, fingerprint string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, fingerprint, user_id, task_id, geofence_id, event_type, latitude, longitude, confidence, ts, recorded_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		e.ID, fingerprint, e.UserID, e.TaskID, e.GeofenceID, string(e.EventType),
		e.Latitude, e.Longitude, e.Confidence,
		e.Timestamp.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) CountEventsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE user_id = ? AND ts >= ?`,
		userID, since.Format(time.RFC3339Nano),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, user_id, notification_id, task_id, geofence_id, kind, status, attempts, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.NotificationID,
		nullStr(e.TaskID), nullStr(e.GeofenceID), e.Kind, e.Status, e.Attempts, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context, userID string, since time.Time, limit int) ([]HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, user_id, notification_id, COALESCE(task_id,''), COALESCE(geofence_id,''), kind, status, attempts, COALESCE(err,'')
		 FROM history WHERE user_id = ? AND at >= ? ORDER BY at DESC LIMIT ?`,
		userID, since.Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at string
		if err := rows.Scan(&at, &e.UserID, &e.NotificationID, &e.TaskID, &e.GeofenceID, &e.Kind, &e.Status, &e.Attempts, &e.Error); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSnooze(ctx context.Context, sn notification.Snooze) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snoozes(id, notification_id, user_id, task_id, duration, snooze_until, original_time, snooze_count, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   duration=excluded.duration, snooze_until=excluded.snooze_until,
		   snooze_count=excluded.snooze_count, status=excluded.status, updated_at=excluded.updated_at`,
		sn.ID, sn.NotificationID, sn.UserID, sn.TaskID, string(sn.Duration),
		sn.SnoozeUntil.Format(time.RFC3339Nano), sn.OriginalScheduledTime.Format(time.RFC3339Nano),
		sn.SnoozeCount, string(sn.Status),
		sn.CreatedAt.Format(time.RFC3339Nano), sn.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SaveMute(ctx context.Context, m notification.Mute) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var until any
	if m.MuteUntil != nil {
		until = m.MuteUntil.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mutes(id, task_id, user_id, duration, mute_until, reason, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   duration=excluded.duration, mute_until=excluded.mute_until,
		   status=excluded.status, updated_at=excluded.updated_at`,
		m.ID, m.TaskID, m.UserID, string(m.Duration), until, nullStr(m.Reason), string(m.Status),
		m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListActiveSnoozes(ctx context.Context, userID string) ([]notification.Snooze, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notification_id, user_id, task_id, duration, snooze_until, original_time, snooze_count, status, created_at, updated_at
		 FROM snoozes WHERE user_id = ? AND status = 'active'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Snooze
	for rows.Next() {
		var sn notification.Snooze
		var dur, until, orig, status, created, updated string
		if err := rows.Scan(&sn.ID, &sn.NotificationID, &sn.UserID, &sn.TaskID, &dur, &until, &orig, &sn.SnoozeCount, &status, &created, &updated); err != nil {
			return nil, err
		}
		sn.Duration = notification.SnoozeDuration(dur)
		sn.Status = notification.SuppressionStatus(status)
		sn.SnoozeUntil, _ = time.Parse(time.RFC3339Nano, until)
		sn.OriginalScheduledTime, _ = time.Parse(time.RFC3339Nano, orig)
		sn.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sn.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListActiveMutes(ctx context.Context, userID string) ([]notification.Mute, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, user_id, duration, mute_until, COALESCE(reason,''), status, created_at, updated_at
		 FROM mutes WHERE user_id = ? AND status = 'active'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Mute
	for rows.Next() {
		var m notification.Mute
		var dur, status, created, updated string
		var until sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &m.UserID, &dur, &until, &m.Reason, &status, &created, &updated); err != nil {
			return nil, err
		}
		m.Duration = notification.MuteDuration(dur)
		m.Status = notification.SuppressionStatus(status)
		if until.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, until.String); perr == nil {
				m.MuteUntil = &t
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune drops expired dedup keys and history/suppression records older than
// the cutoff. Driven by the background ticker's eviction pass.
func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	cut := olderThan.Format(time.RFC3339Nano)
	if err := s.pruneExpiredDedup(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, cut); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE at < ?`, cut); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snoozes WHERE status != 'active' AND updated_at < ?`, cut); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutes WHERE status != 'active' AND updated_at < ?`, cut)
	return err
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
