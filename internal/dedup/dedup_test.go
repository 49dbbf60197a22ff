package dedup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: time.Minute}, nil)
	ctx := context.Background()

	if !s.Acquire(ctx, "k1") {
		t.Fatalf("first acquire should win")
	}
	if s.Acquire(ctx, "k1") {
		t.Fatalf("second acquire must lose")
	}
	if !s.Seen(ctx, "k1") {
		t.Fatalf("acquired key should be seen")
	}
}

func TestSeenDoesNotMark(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: time.Minute}, nil)
	ctx := context.Background()

	if s.Seen(ctx, "k1") {
		t.Fatalf("unseen key reported seen")
	}
	// A read-only check must not claim the key.
	if !s.Acquire(ctx, "k1") {
		t.Fatalf("acquire after Seen should still win")
	}
}

func TestReleaseMakesKeyAcquirableAgain(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: time.Minute}, nil)
	ctx := context.Background()

	if !s.Acquire(ctx, "k1") {
		t.Fatalf("acquire failed")
	}
	s.Release("k1")
	if !s.Acquire(ctx, "k1") {
		t.Fatalf("released key must be acquirable")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: time.Minute}, nil)
	ctx := context.Background()

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Acquire(ctx, "hot") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestEvictDropsExpired(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	s.Acquire(ctx, "a")
	s.Acquire(ctx, "b")
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	dropped := s.Evict(time.Now().Add(time.Second))
	if dropped != 2 || s.Len() != 0 {
		t.Fatalf("Evict dropped %d, Len = %d", dropped, s.Len())
	}
}

func TestMaxEntriesBoundsMemory(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: time.Hour, MaxEntries: shardCount}, nil)
	ctx := context.Background()

	for i := 0; i < shardCount*10; i++ {
		s.Acquire(ctx, string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	// Per-shard cap is MaxEntries/shardCount; total stays near MaxEntries.
	if got := s.Len(); got > shardCount*2 {
		t.Fatalf("Len = %d, expected bounded by cap", got)
	}
}
