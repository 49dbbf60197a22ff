package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewWiresEngine(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "engine.db")
	cfg := fmt.Sprintf(`
server:
  addr: "127.0.0.1:0"
logging:
  level: error
engine:
  timezone: UTC
storage:
  driver: sqlite
  path: %s
`, dbPath)

	a, err := New(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.store == nil || a.sched == nil || a.tick == nil {
		t.Fatalf("engine wiring incomplete: %+v", a)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database not created: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(writeConfig(t, "server:\n  addr: \"\"\n")); err == nil {
		t.Fatalf("expected error for missing server.addr")
	}
}
