package app

import (
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/bundler"
	"github.com/trilliondigital/near-me-sub002/internal/config"
	"github.com/trilliondigital/near-me-sub002/internal/dedup"
	"github.com/trilliondigital/near-me-sub002/internal/retryqueue"
	"github.com/trilliondigital/near-me-sub002/internal/scheduler"
	"github.com/trilliondigital/near-me-sub002/internal/ticker"
)

// Config-to-component mapping. Each mapper re-parses its duration strings so
// the same code path serves startup and hot-reload validation.

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	window, err := config.ParseDurationOrDefault("engine.dedup.window", cfg.Engine.Dedup.Window, 30*time.Minute)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Window:     window,
		MaxEntries: cfg.Engine.Dedup.MaxEntries,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (retryqueue.Config, error) {
	backoff, err := config.ParseDurationOrDefault("engine.queue.backoff", cfg.Engine.Queue.Backoff, 30*time.Second)
	if err != nil {
		return retryqueue.Config{}, err
	}
	return retryqueue.Config{
		MaxAttempts: cfg.Engine.Queue.MaxAttempts,
		Backoff:     backoff,
		MaxSize:     cfg.Engine.Queue.MaxSize,
	}, nil
}

func mapBundlerConfig(cfg *config.Config) (bundler.Config, error) {
	window, err := config.ParseDurationOrDefault("engine.bundling.window", cfg.Engine.Bundling.Window, 5*time.Minute)
	if err != nil {
		return bundler.Config{}, err
	}
	return bundler.Config{
		RadiusM: cfg.Engine.Bundling.RadiusM,
		Window:  window,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	base, err := config.ParseDurationOrDefault("engine.scheduler.retry_base", cfg.Engine.Scheduler.RetryBase, 500*time.Millisecond)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("engine.scheduler.retry_max_delay", cfg.Engine.Scheduler.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:       cfg.Engine.Scheduler.Workers,
		QueueSize:     cfg.Engine.Scheduler.QueueSize,
		RatePerSec:    cfg.Engine.Scheduler.RatePerSec,
		RetryMax:      cfg.Engine.Scheduler.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapTickerConfig(cfg *config.Config) (ticker.Config, error) {
	interval, err := config.ParseDurationOrDefault("engine.ticker.interval", cfg.Engine.Ticker.Interval, time.Minute)
	if err != nil {
		return ticker.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("engine.ticker.history_retention", cfg.Engine.Ticker.HistoryRetention, 30*24*time.Hour)
	if err != nil {
		return ticker.Config{}, err
	}
	return ticker.Config{
		Interval:         interval,
		HistoryRetention: retention,
	}, nil
}
