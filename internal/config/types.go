package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// Config is the full engine configuration. Decoding is strict: unknown fields
// are rejected so typos fail startup instead of silently defaulting.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Storage StorageConfig `json:"storage"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type EngineConfig struct {
	Timezone  string          `json:"timezone"`
	Dedup     DedupConfig     `json:"dedup"`
	Queue     QueueConfig     `json:"queue"`
	Bundling  BundlingConfig  `json:"bundling"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ticker    TickerConfig    `json:"ticker"`
	Defaults  DefaultsConfig  `json:"defaults"`
}

type DedupConfig struct {
	Window     string `json:"window"`      // default 30m
	Bucket     string `json:"bucket"`      // default 5m
	MaxEntries int    `json:"max_entries"` // default 20000
}

type QueueConfig struct {
	MaxAttempts int    `json:"max_attempts"` // default 5
	Backoff     string `json:"backoff"`      // default 30s
	MaxSize     int    `json:"max_size"`     // default 1000
}

type BundlingConfig struct {
	RadiusM float64 `json:"radius_m"` // default 500
	Window  string  `json:"window"`   // default 5m
}

type SchedulerConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type TickerConfig struct {
	Interval         string `json:"interval"`          // default 1m, clamped 1m..5m
	HistoryRetention string `json:"history_retention"` // default 720h
}

type DefaultsConfig struct {
	MaxPerHour int    `json:"max_per_hour"`
	QuietStart string `json:"quiet_start"` // "HH:MM", empty disables
	QuietEnd   string `json:"quiet_end"`
	Bundling   bool   `json:"bundling"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "", "none" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// Validate checks everything that would otherwise fail deep inside a
// component at runtime. Startup with an invalid config must abort.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}
	if _, err := c.Engine.Location(); err != nil {
		return err
	}
	durations := []struct{ path, raw string }{
		{"engine.dedup.window", c.Engine.Dedup.Window},
		{"engine.dedup.bucket", c.Engine.Dedup.Bucket},
		{"engine.queue.backoff", c.Engine.Queue.Backoff},
		{"engine.bundling.window", c.Engine.Bundling.Window},
		{"engine.scheduler.retry_base", c.Engine.Scheduler.RetryBase},
		{"engine.scheduler.retry_max_delay", c.Engine.Scheduler.RetryMaxDelay},
		{"engine.ticker.interval", c.Engine.Ticker.Interval},
		{"engine.ticker.history_retention", c.Engine.Ticker.HistoryRetention},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Engine.Defaults.MaxPerHour < 0 {
		return fmt.Errorf("engine.defaults.max_per_hour must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required for sqlite")
	}
	return nil
}

// Location resolves the engine timezone, defaulting to UTC.
func (e EngineConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(e.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: unknown timezone %q", tz)
	}
	return loc, nil
}

// LogxConfig maps the logging section onto the logger's own config type.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// StoreConfig maps the storage section onto the storage layer's config.
// Validate has already checked the duration strings.
func (c *Config) StoreConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}
