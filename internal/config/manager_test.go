package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

const sampleYAML = `
server:
  addr: ":8080"
logging:
  level: debug
  console: true
engine:
  timezone: UTC
  dedup:
    window: 30m
    bucket: 5m
    max_entries: 20000
  queue:
    max_attempts: 5
    backoff: 30s
  bundling:
    radius_m: 500
    window: 5m
  scheduler:
    workers: 2
    rate_per_sec: 10
  ticker:
    interval: 1m
  defaults:
    max_per_hour: 10
    quiet_start: "22:00"
    quiet_end: "08:00"
    bundling: true
storage:
  driver: sqlite
  path: /tmp/nearme.db
  busy_timeout: 5s
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	return m
}

func TestLoadParsesYAML(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Engine.Dedup.Window != "30m" || cfg.Engine.Dedup.MaxEntries != 20000 {
		t.Fatalf("dedup = %+v", cfg.Engine.Dedup)
	}
	if cfg.Engine.Defaults.QuietStart != "22:00" || !cfg.Engine.Defaults.Bundling {
		t.Fatalf("defaults = %+v", cfg.Engine.Defaults)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, `
server:
  addr: ":8080"
engnie:
  timezone: UTC
`)
	if _, err := m.Load(); err == nil {
		t.Fatalf("typo'd section accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{Server: ServerConfig{Addr: ":8080"}}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"minimal", func(c *Config) {}, true},
		{"missing addr", func(c *Config) { c.Server.Addr = " " }, false},
		{"file log without path", func(c *Config) { c.Logging.File.Enabled = true }, false},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }, false},
		{"bad duration", func(c *Config) { c.Engine.Queue.Backoff = "thirty seconds" }, false},
		{"negative duration", func(c *Config) { c.Engine.Dedup.Window = "-5m" }, false},
		{"negative cap", func(c *Config) { c.Engine.Defaults.MaxPerHour = -1 }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"sqlite with path", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Path = "/tmp/x.db" }, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReloadPublishes(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, sampleYAML)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Comments do not change the decoded document, so the hash matches and
	// nothing is published.
	if err := os.WriteFile(m.path, []byte(sampleYAML+"\n# note\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("comment-only change was published")
	default:
	}

	if err := os.WriteFile(m.path, []byte(replaceAddr(sampleYAML, ":9090")), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Server.Addr != ":9090" {
			t.Fatalf("published addr = %q", cfg.Server.Addr)
		}
	case <-time.After(time.Second):
		t.Fatalf("changed config was not published")
	}
}

func replaceAddr(yaml, addr string) string {
	out := ""
	for _, line := range splitLines(yaml) {
		if line == `  addr: ":8080"` {
			line = `  addr: "` + addr + `"`
		}
		out += line + "\n"
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestReloadKeepsLastGoodConfig(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, sampleYAML)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(m.path, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if got := m.Get(); got == nil || got.Server.Addr != ":8080" {
		t.Fatalf("broken reload clobbered config: %+v", got)
	}
}

func TestValidatorBlocksCommit(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, sampleYAML)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return errors.New("not on my watch")
	})

	if err := os.WriteFile(m.path, []byte(replaceAddr(sampleYAML, ":9090")), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if got := m.Get(); got.Server.Addr != ":8080" {
		t.Fatalf("rejected config was committed: %q", got.Server.Addr)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", 5*time.Minute); err != nil || d != 5*time.Minute {
		t.Fatalf("empty = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", 5*time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("set = %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "soon", 5*time.Minute); err == nil {
		t.Fatalf("garbage accepted")
	}
}
