// Package dedup implements the fingerprint store behind the engine's central
// correctness property: at most one notification per event fingerprint within
// the dedup window.
//
// The in-memory map is sharded by key so users never contend with each other;
// Acquire is the single atomic check-then-set in the system. Persistence is a
// best-effort backstop so dedup survives restarts.
package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/storage"
)

const shardCount = 32

type Config struct {
	// Window is how long a fingerprint stays hot after a notify decision.
	Window time.Duration
	// MaxEntries caps the total in-memory key count; entries with the
	// earliest expiry are evicted first.
	MaxEntries int
}

type Store struct {
	cfg    Config
	st     storage.Store // nil when persistence is disabled
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	keys map[string]time.Time // key -> suppress until
}

func New(cfg Config, st storage.Store) *Store {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 20000
	}
	s := &Store{cfg: cfg, st: st}
	for i := range s.shards {
		s.shards[i].keys = map[string]time.Time{}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Seen reports whether the key is currently held, without acquiring it.
// Used by the processor's read-only duplicate check before suppression
// evaluation (so suppressed events never mark the fingerprint).
func (s *Store) Seen(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	until, ok := sh.keys[key]
	sh.mu.Unlock()
	if ok && now.Before(until) {
		return true
	}

	return s.seenPersistent(ctx, key, sh, now)
}

// Acquire atomically claims the key for the dedup window. It returns false if
// the key is already held (a concurrent or earlier event won). The caller
// must Release on a failed persist so a retry stays safe, and Commit once the
// event is durably recorded.
func (s *Store) Acquire(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	now := time.Now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	if until, ok := sh.keys[key]; ok && now.Before(until) {
		sh.mu.Unlock()
		return false
	}
	sh.mu.Unlock()

	// Cross-restart backstop. Outside the shard lock: the store call can
	// block, and the re-check below restores atomicity.
	if s.seenPersistent(ctx, key, sh, now) {
		return false
	}

	until := now.Add(s.cfg.Window)
	sh.mu.Lock()
	if u, ok := sh.keys[key]; ok && now.Before(u) {
		sh.mu.Unlock()
		return false
	}
	sh.keys[key] = until
	s.pruneLocked(sh, now)
	sh.mu.Unlock()
	return true
}

// Release undoes a provisional Acquire. Called when event persistence fails
// with a transient error, so the retried event is not treated as a duplicate.
func (s *Store) Release(key string) {
	if key == "" {
		return
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.keys, key)
	sh.mu.Unlock()
}

// Commit persists the acquired key best-effort so dedup survives restarts.
func (s *Store) Commit(ctx context.Context, key string) {
	if key == "" || s.st == nil {
		return
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	until, ok := sh.keys[key]
	sh.mu.Unlock()
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	_ = s.st.PutDedup(cctx, key, until)
	cancel()
}

// Evict drops expired keys across all shards. Driven by the ticker.
func (s *Store) Evict(now time.Time) int {
	dropped := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, until := range sh.keys {
			if !now.Before(until) {
				delete(sh.keys, k)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

// Len reports the total in-memory key count.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) seenPersistent(ctx context.Context, key string, sh *shard, now time.Time) bool {
	if s.st == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	until, ok, err := s.st.GetDedup(cctx, key)
	cancel()
	if err == nil && ok && now.Before(until) {
		sh.mu.Lock()
		sh.keys[key] = until
		sh.mu.Unlock()
		return true
	}
	return false
}

// pruneLocked drops expired entries in the shard and enforces the per-shard
// slice of the global cap, evicting earliest-expiry entries first.
func (s *Store) pruneLocked(sh *shard, now time.Time) {
	for k, until := range sh.keys {
		if !now.Before(until) {
			delete(sh.keys, k)
		}
	}
	limit := s.cfg.MaxEntries / shardCount
	if limit <= 0 {
		limit = 1
	}
	for len(sh.keys) > limit {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range sh.keys {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(sh.keys, minKey)
	}
}
