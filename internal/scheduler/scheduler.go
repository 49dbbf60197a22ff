// Package scheduler owns every deliverable unit (single notifications and
// bundles) and its delivery state machine. Dispatch is asynchronous: a queue
// feeds a worker pool that rate-limits, retries with backoff, and records
// outcomes. Status transitions happen only here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/trilliondigital/near-me-sub002/internal/delivery"
	"github.com/trilliondigital/near-me-sub002/internal/eventbus"
	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	rtsup "github.com/trilliondigital/near-me-sub002/internal/runtime/supervisor"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

var (
	ErrQueueFull = errors.New("scheduler queue full")
	ErrStopped   = errors.New("scheduler stopped")
)

type Config struct {
	Workers   int
	QueueSize int
	// RatePerSec caps deliveries across all users; the platform push gateway
	// has its own global limit.
	RatePerSec int
	// RetryMax is the extra delivery attempts after the first failure.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type job struct {
	id string
}

// entry wraps a scheduled notification with delivery-internal state that is
// not part of the public record.
type entry struct {
	sn     notification.ScheduledNotification
	bundle *notification.Bundle

	// suppressedUntil non-zero means a snooze or mute moved the entry out of
	// the delivery path.
	suppressedUntil time.Time
	inflight        bool
}

// Service is the notification scheduler. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	st  storage.Store // nil when persistence is disabled
	dlv delivery.Deliverer

	cfg     Config
	limiter *rate.Limiter

	entries map[string]*entry

	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	delivered uint64
	failures  uint64

	// now is swappable in tests.
	now func() time.Time
}

type Stats struct {
	Pending   int    `json:"pending"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Delivered uint64 `json:"delivered"`
	Failures  uint64 `json:"failures"`
}

func New(cfg Config, dlv delivery.Deliverer, st storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		st:      st,
		dlv:     dlv,
		entries: map[string]*entry{},
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket, burst = rate per sec.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		// Delivery failures must not take down the engine.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("scheduler worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Schedule registers a single notification for delivery at its scheduled
// time (immediately if that time is zero or past).
func (s *Service) Schedule(ctx context.Context, n notification.Notification) (notification.ScheduledNotification, error) {
	if n.UserID == "" {
		return notification.ScheduledNotification{}, fault.Validation("user_id is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := s.now()
	if n.ScheduledTime.IsZero() {
		n.ScheduledTime = now
	}

	sn := notification.ScheduledNotification{
		ID:            uuid.NewString(),
		Notification:  &n,
		UserID:        n.UserID,
		ScheduledTime: n.ScheduledTime,
		Status:        notification.StatusPending,
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return notification.ScheduledNotification{}, ErrStopped
	}
	s.entries[sn.ID] = &entry{sn: sn}
	s.mu.Unlock()

	s.publish(eventbus.NotifScheduled, sn.UserID, sn)
	s.log.Debug("notification scheduled",
		logx.String("id", sn.ID), logx.String("user", sn.UserID),
		logx.String("task", n.TaskID), logx.String("type", string(n.Type)))
	return sn, nil
}

// ScheduleBundle registers a bundle as one deliverable unit.
func (s *Service) ScheduleBundle(ctx context.Context, b notification.Bundle) (notification.ScheduledNotification, error) {
	if b.UserID == "" {
		return notification.ScheduledNotification{}, fault.Validation("user_id is required")
	}
	if len(b.Notifications) < 2 {
		return notification.ScheduledNotification{}, fault.Validation("a bundle needs at least 2 notifications, got %d", len(b.Notifications))
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now()
	if b.ScheduledTime.IsZero() {
		b.ScheduledTime = now
	}

	sn := notification.ScheduledNotification{
		ID:            uuid.NewString(),
		BundleID:      b.ID,
		UserID:        b.UserID,
		ScheduledTime: b.ScheduledTime,
		Status:        notification.StatusPending,
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return notification.ScheduledNotification{}, ErrStopped
	}
	s.entries[sn.ID] = &entry{sn: sn, bundle: &b}
	s.mu.Unlock()

	s.publish(eventbus.NotifBundled, sn.UserID, b)
	s.publish(eventbus.NotifScheduled, sn.UserID, sn)
	return sn, nil
}

// Cancel removes a pending notification from the delivery path. It returns
// false when the notification is unknown, already settled, or currently being
// delivered; an in-flight delivery is never clawed back.
func (s *Service) Cancel(id, userID string) bool {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.sn.UserID != userID || e.inflight || e.sn.Status != notification.StatusPending {
		s.mu.Unlock()
		return false
	}
	e.sn.Status = notification.StatusCancelled
	sn := e.sn
	s.mu.Unlock()

	s.publish(eventbus.NotifCancelled, userID, sn)
	s.appendHistory(sn, nil, "cancelled", now)
	return true
}

// PendingForTask returns pending, unsuppressed notifications for the task.
func (s *Service) PendingForTask(userID, taskID string) []notification.ScheduledNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.ScheduledNotification
	for _, e := range s.entries {
		if e.sn.UserID != userID || e.sn.Status != notification.StatusPending || !e.suppressedUntil.IsZero() {
			continue
		}
		if e.sn.Notification != nil && e.sn.Notification.TaskID == taskID {
			out = append(out, e.sn)
		}
	}
	return out
}

// PendingSingles lists the user's pending, unsuppressed single notifications.
// Bundling folds only over these; a snoozed notification stays out of reach
// until its suppression is released.
func (s *Service) PendingSingles(userID string) []notification.ScheduledNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.ScheduledNotification
	for _, e := range s.entries {
		if e.sn.UserID != userID || e.sn.Status != notification.StatusPending || e.inflight {
			continue
		}
		if !e.suppressedUntil.IsZero() || e.sn.Notification == nil {
			continue
		}
		out = append(out, e.sn)
	}
	return out
}

// Suppress moves a pending notification out of the delivery path until the
// given time. In-flight deliveries cannot be suppressed.
func (s *Service) Suppress(id, userID string, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.sn.UserID != userID || e.inflight || e.sn.Status != notification.StatusPending {
		return false
	}
	e.suppressedUntil = until
	return true
}

// Release puts a suppressed notification back into the delivery path,
// eligible on the next dispatch pass.
func (s *Service) Release(id, userID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.sn.UserID != userID || e.sn.Status != notification.StatusPending {
		return false
	}
	e.suppressedUntil = time.Time{}
	if e.sn.ScheduledTime.After(now) {
		e.sn.ScheduledTime = now
	}
	return true
}

// ForUser lists the user's scheduled notifications, soonest first.
func (s *Service) ForUser(userID string) []notification.ScheduledNotification {
	s.mu.Lock()
	var out []notification.ScheduledNotification
	for _, e := range s.entries {
		if e.sn.UserID == userID {
			out = append(out, e.sn)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

// Get returns one scheduled notification. Foreign IDs report not found.
func (s *Service) Get(id, userID string) (notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.sn.UserID != userID {
		return notification.ScheduledNotification{}, fault.NotFound("notification %s not found", id)
	}
	return e.sn, nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Delivered: s.delivered, Failures: s.failures}
	for _, e := range s.entries {
		switch e.sn.Status {
		case notification.StatusPending:
			st.Pending++
		case notification.StatusFailed:
			st.Failed++
		case notification.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// DispatchDue hands due pending notifications to the worker pool. A
// suppressed entry whose window elapsed without an explicit release is
// dispatched anyway. Driven by the ticker.
func (s *Service) DispatchDue(ctx context.Context) int {
	now := s.now()
	dispatched := 0

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return 0
	}
	for id, e := range s.entries {
		if e.sn.Status != notification.StatusPending || e.inflight {
			continue
		}
		if !e.suppressedUntil.IsZero() {
			if now.Before(e.suppressedUntil) {
				continue
			}
			e.suppressedUntil = time.Time{}
		}
		if e.sn.ScheduledTime.After(now) {
			continue
		}
		select {
		case q <- job{id: id}:
			e.inflight = true
			dispatched++
		default:
			s.mu.Unlock()
			s.log.Warn("dispatch queue full", logx.Int("dispatched", dispatched))
			return dispatched
		}
	}
	s.mu.Unlock()
	return dispatched
}

// retryCycles bounds ticker-driven redelivery: a failed unit gets at most
// this many full delivery cycles before it stays failed.
const retryCycles = 3

// RetryFailed re-queues failed deliveries that have cycle budget left. Driven
// by the ticker.
func (s *Service) RetryFailed(ctx context.Context) int {
	s.mu.Lock()
	budget := retryCycles * (1 + s.cfg.RetryMax)
	retried := 0
	for _, e := range s.entries {
		if e.sn.Status != notification.StatusFailed || e.inflight {
			continue
		}
		if e.sn.Attempts >= budget {
			continue
		}
		e.sn.Status = notification.StatusPending
		e.sn.ScheduledTime = s.now()
		retried++
	}
	s.mu.Unlock()
	if retried > 0 {
		s.DispatchDue(ctx)
	}
	return retried
}

// EvictSettled drops delivered and cancelled entries older than the cutoff so
// the in-memory map stays bounded. Driven by the ticker.
func (s *Service) EvictSettled(olderThan time.Time) int {
	dropped := 0
	s.mu.Lock()
	for id, e := range s.entries {
		switch e.sn.Status {
		case notification.StatusDelivered, notification.StatusCancelled:
			if e.sn.LastAttempt.Before(olderThan) {
				delete(s.entries, id)
				dropped++
			}
		}
	}
	s.mu.Unlock()
	return dropped
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliverWithRetry(ctx, j.id)
		}
	}
}

func (s *Service) deliverWithRetry(runCtx context.Context, id string) {
	// Config snapshot for this delivery.
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	dlv := s.dlv
	e, ok := s.entries[id]
	if !ok || e.sn.Status != notification.StatusPending {
		if ok {
			e.inflight = false
		}
		s.mu.Unlock()
		return
	}
	payload := delivery.Payload{
		UserID:       e.sn.UserID,
		Notification: e.sn.Notification,
		Bundle:       e.bundle,
	}
	s.mu.Unlock()

	if dlv == nil {
		s.settle(id, errors.New("no deliverer configured"), 1)
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				s.requeue(id)
				return
			}
		}

		// Bound per-send call so a hung push gateway cannot wedge a worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := dlv.Send(callCtx, payload)
		cancel()
		if err == nil {
			s.settle(id, nil, attempt)
			return
		}
		lastErr = err
		s.log.Debug("delivery failed",
			logx.String("id", id), logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			s.requeue(id)
			return
		}
	}
	s.settle(id, lastErr, maxAttempts)
}

// settle records a terminal delivery outcome.
func (s *Service) settle(id string, err error, attempts int) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.inflight = false
	e.sn.Attempts += attempts
	e.sn.LastAttempt = now
	if err == nil {
		e.sn.Status = notification.StatusDelivered
		e.sn.Error = ""
		s.delivered++
	} else {
		e.sn.Status = notification.StatusFailed
		e.sn.Error = err.Error()
		s.failures++
	}
	sn := e.sn
	s.mu.Unlock()

	if err == nil {
		s.publish(eventbus.NotifDelivered, sn.UserID, sn)
		s.appendHistory(sn, nil, "delivered", now)
		s.log.Info("notification delivered",
			logx.String("id", sn.ID), logx.String("user", sn.UserID), logx.Int("attempts", sn.Attempts))
		return
	}
	s.publish(eventbus.NotifFailed, sn.UserID, sn)
	s.appendHistory(sn, err, "failed", now)
	s.log.Warn("notification delivery failed",
		logx.String("id", sn.ID), logx.Int("attempts", sn.Attempts), logx.Err(err))
}

// requeue returns an interrupted delivery to pending without burning the
// attempt budget; shutdown and context cancellation land here.
func (s *Service) requeue(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.inflight = false
	}
	s.mu.Unlock()
}

func (s *Service) appendHistory(sn notification.ScheduledNotification, err error, status string, at time.Time) {
	if s.st == nil {
		return
	}
	h := storage.HistoryEntry{
		At:             at,
		UserID:         sn.UserID,
		NotificationID: sn.ID,
		Kind:           "notification",
		Status:         status,
		Attempts:       sn.Attempts,
	}
	if sn.BundleID != "" {
		h.Kind = "bundle"
	}
	if sn.Notification != nil {
		h.TaskID = sn.Notification.TaskID
		h.GeofenceID = sn.Notification.Metadata.GeofenceID
	}
	if err != nil {
		h.Error = err.Error()
	}
	cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	if werr := s.st.AppendHistory(cctx, h); werr != nil {
		s.log.Warn("history persist failed", logx.String("id", sn.ID), logx.Err(werr))
	}
	cancel()
}

func (s *Service) publish(typ, userID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, UserID: userID, Data: data})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
