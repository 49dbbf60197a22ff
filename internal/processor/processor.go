// Package processor implements the geofence event decision pipeline: every
// incoming event is validated and then walked through duplicate, suppression,
// quiet-hours and rate-cap checks, in that order. Only an event that clears
// all four marks its fingerprint and may produce a notification.
package processor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trilliondigital/near-me-sub002/internal/dedup"
	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/eventbus"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/internal/prefs"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// Suppression reasons carried in Result.Reason. These are outcomes, not
// errors: a suppressed event was handled successfully.
const (
	ReasonDuplicate   = "duplicate"
	ReasonSuppressed  = "suppressed"
	ReasonQuietHours  = "quiet_hours"
	ReasonRateLimited = "rate_limited"
)

// SuppressionChecker answers whether a task is currently snoozed or muted.
type SuppressionChecker interface {
	IsTaskSuppressed(userID, taskID string) (bool, string)
}

// PrefSource yields per-user preferences with defaults applied.
type PrefSource interface {
	Get(userID string) notification.Preferences
}

type Config struct {
	// Bucket is the fingerprint timestamp bucket width.
	Bucket time.Duration
	// Timezone resolves quiet hours for users without an explicit timezone.
	Timezone *time.Location
}

// Result is the outcome of processing one event. ShouldNotify false with a
// non-empty Reason means the event was accepted but intentionally dropped.
type Result struct {
	Event        event.GeofenceEvent `json:"event"`
	Fingerprint  string              `json:"fingerprint"`
	ShouldNotify bool                `json:"should_notify"`
	Reason       string              `json:"reason,omitempty"`
}

type Stats struct {
	Processed   uint64 `json:"processed"`
	Notified    uint64 `json:"notified"`
	Duplicates  uint64 `json:"duplicates"`
	Suppressed  uint64 `json:"suppressed"`
	QuietHours  uint64 `json:"quiet_hours"`
	RateLimited uint64 `json:"rate_limited"`
	Failures    uint64 `json:"failures"`
}

type Processor struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	dedup *dedup.Store
	sup   SuppressionChecker
	prefs PrefSource
	st    storage.Store // nil when persistence is disabled

	mu       sync.Mutex
	limiters map[string]*userLimiter
	stats    Stats

	// now is swappable in tests.
	now func() time.Time
}

// userLimiter remembers the cap it was built for so a preference change
// rebuilds the limiter instead of silently keeping the old rate.
type userLimiter struct {
	lim     *rate.Limiter
	perHour int
}

func New(cfg Config, d *dedup.Store, sup SuppressionChecker, ps PrefSource, st storage.Store, bus eventbus.Bus, log logx.Logger) *Processor {
	if cfg.Bucket <= 0 {
		cfg.Bucket = event.DefaultBucket
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		dedup:    d,
		sup:      sup,
		prefs:    ps,
		st:       st,
		limiters: map[string]*userLimiter{},
		now:      time.Now,
	}
}

// ProcessEvent runs the decision pipeline for one event.
//
// Check order is fixed: duplicate, task suppression, quiet hours, hourly rate
// cap. The fingerprint is only claimed after every check passes, so a
// suppressed event never blocks a later legitimate one.
func (p *Processor) ProcessEvent(ctx context.Context, ev event.GeofenceEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	fp := event.Fingerprint(ev, p.cfg.Bucket)
	res := Result{Event: ev, Fingerprint: fp}
	p.count(func(s *Stats) { s.Processed++ })

	if p.dedup.Seen(ctx, fp) {
		res.Reason = ReasonDuplicate
		p.count(func(s *Stats) { s.Duplicates++ })
		p.publish(eventbus.EventDeduped, ev.UserID, res)
		p.log.Debug("duplicate event dropped",
			logx.String("event", ev.ID), logx.String("fingerprint", fp))
		return res, nil
	}

	if suppressed, why := p.sup.IsTaskSuppressed(ev.UserID, ev.TaskID); suppressed {
		res.Reason = ReasonSuppressed
		p.count(func(s *Stats) { s.Suppressed++ })
		p.publish(eventbus.EventSuppressed, ev.UserID, res)
		p.log.Debug("event suppressed",
			logx.String("event", ev.ID), logx.String("task", ev.TaskID), logx.String("why", why))
		return res, nil
	}

	up := p.prefs.Get(ev.UserID)

	if prefs.InQuietHours(up, p.now(), p.cfg.Timezone) {
		res.Reason = ReasonQuietHours
		p.count(func(s *Stats) { s.QuietHours++ })
		p.publish(eventbus.EventSuppressed, ev.UserID, res)
		return res, nil
	}

	if !p.allow(ev.UserID, up.MaxPerHour) {
		res.Reason = ReasonRateLimited
		p.count(func(s *Stats) { s.RateLimited++ })
		p.publish(eventbus.EventSuppressed, ev.UserID, res)
		p.log.Debug("event rate limited",
			logx.String("user", ev.UserID), logx.Int("max_per_hour", up.MaxPerHour))
		return res, nil
	}

	// Atomic claim: a concurrent identical event loses here.
	if !p.dedup.Acquire(ctx, fp) {
		res.Reason = ReasonDuplicate
		p.count(func(s *Stats) { s.Duplicates++ })
		p.publish(eventbus.EventDeduped, ev.UserID, res)
		return res, nil
	}

	if p.st != nil {
		if err := p.st.AppendEvent(ctx, ev, fp); err != nil {
			// Release so the retried event is not mistaken for a duplicate.
			p.dedup.Release(fp)
			p.count(func(s *Stats) { s.Failures++ })
			return Result{}, fault.Processing("record event", err)
		}
	}
	p.dedup.Commit(ctx, fp)

	res.ShouldNotify = true
	p.count(func(s *Stats) { s.Notified++ })
	p.publish(eventbus.EventProcessed, ev.UserID, res)
	p.log.Info("event accepted",
		logx.String("event", ev.ID), logx.String("user", ev.UserID),
		logx.String("task", ev.TaskID), logx.String("type", string(ev.EventType)))
	return res, nil
}

// allow consumes one token from the user's hourly limiter. A cap of N means
// N notifications in any rolling hour; cap <= 0 disables the limit.
func (p *Processor) allow(userID string, perHour int) bool {
	if perHour <= 0 {
		return true
	}
	p.mu.Lock()
	ul, ok := p.limiters[userID]
	if !ok || ul.perHour != perHour {
		ul = &userLimiter{
			lim:     rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
			perHour: perHour,
		}
		p.limiters[userID] = ul
	}
	p.mu.Unlock()
	return ul.lim.Allow()
}

// Stats returns a snapshot of processing counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) count(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

func (p *Processor) publish(typ, userID string, res Result) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, UserID: userID, Data: res})
}
