// Package ticker is the engine's single recurring driver. Each tick runs the
// maintenance passes in a fixed order: expire snoozes and mutes, retry queued
// events, dispatch due and retry failed deliveries, evict stale state. Ticks
// never overlap; a tick still running when the next fires is skipped.
package ticker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trilliondigital/near-me-sub002/internal/dedup"
	"github.com/trilliondigital/near-me-sub002/internal/retryqueue"
	"github.com/trilliondigital/near-me-sub002/internal/scheduler"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/internal/suppress"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

type Config struct {
	// Interval between ticks, clamped to [1m, 5m]. Tests may go lower via
	// direct Tick calls.
	Interval time.Duration
	// HistoryRetention bounds how long settled state is kept.
	HistoryRetention time.Duration
}

// Targets are the components a tick drives.
type Targets struct {
	Suppress *suppress.Manager
	Queue    *retryqueue.Queue
	Sched    *scheduler.Service
	Dedup    *dedup.Store
	Store    storage.Store // nil when persistence is disabled
}

type Ticker struct {
	cfg Config
	log logx.Logger
	tg  Targets

	c      *cron.Cron
	cancel context.CancelFunc
}

func New(cfg Config, tg Targets, log logx.Logger) *Ticker {
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Minute
	}
	if cfg.Interval > 5*time.Minute {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 30 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{cfg: cfg, log: log, tg: tg}
}

func (t *Ticker) Start(ctx context.Context) error {
	if t.c != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	clog := cronLogger{t.log.With(logx.String("comp", "ticker"))}
	t.c = cron.New(cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))
	_, err := t.c.AddFunc("@every "+t.cfg.Interval.String(), func() { t.Tick(ctx) })
	if err != nil {
		t.c = nil
		cancel()
		return err
	}
	t.c.Start()
	t.log.Info("ticker started", logx.Duration("interval", t.cfg.Interval))
	return nil
}

func (t *Ticker) Stop(ctx context.Context) {
	if t.c == nil {
		return
	}
	done := t.c.Stop().Done()
	if t.cancel != nil {
		t.cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	t.c = nil
}

// Tick runs one maintenance pass. Exported so tests and the API's admin
// surface can force a pass without waiting for the interval.
func (t *Ticker) Tick(ctx context.Context) {
	started := time.Now()

	snoozes, mutes := 0, 0
	if t.tg.Suppress != nil {
		snoozes, mutes = t.tg.Suppress.ExpireDue(ctx)
	}

	retried := 0
	if t.tg.Queue != nil {
		retried = t.tg.Queue.ProcessPending(ctx)
	}

	dispatched, redelivered := 0, 0
	if t.tg.Sched != nil {
		dispatched = t.tg.Sched.DispatchDue(ctx)
		redelivered = t.tg.Sched.RetryFailed(ctx)
	}

	evicted := 0
	cutoff := started.Add(-t.cfg.HistoryRetention)
	if t.tg.Sched != nil {
		evicted += t.tg.Sched.EvictSettled(cutoff)
	}
	if t.tg.Dedup != nil {
		evicted += t.tg.Dedup.Evict(started)
	}
	if t.tg.Store != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := t.tg.Store.Prune(pctx, cutoff); err != nil {
			t.log.Warn("store prune failed", logx.Err(err))
		}
		cancel()
	}

	t.log.Debug("tick",
		logx.Int("snoozes_expired", snoozes), logx.Int("mutes_expired", mutes),
		logx.Int("events_retried", retried), logx.Int("dispatched", dispatched),
		logx.Int("redelivered", redelivered), logx.Int("evicted", evicted),
		logx.Duration("took", time.Since(started)))
}

// cronLogger adapts logx to cron's logging interface.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
