// Package intake is the pipeline from an accepted geofence event to a
// scheduled notification: process, build the notification copy, schedule it,
// and fold nearby pending notifications into bundles when the user allows
// bundling.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub002/internal/bundler"
	"github.com/trilliondigital/near-me-sub002/internal/event"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
	"github.com/trilliondigital/near-me-sub002/internal/place"
	"github.com/trilliondigital/near-me-sub002/internal/processor"
	"github.com/trilliondigital/near-me-sub002/internal/scheduler"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

// Actions offered on every notification.
var defaultActions = []string{"complete", "snooze_15m", "snooze_1h", "snooze_today", "open_map", "mute"}

// PrefSource yields per-user preferences; the pipeline only reads the
// bundling flag.
type PrefSource interface {
	Get(userID string) notification.Preferences
}

type Pipeline struct {
	log    logx.Logger
	proc   *processor.Processor
	sched  *scheduler.Service
	prefs  PrefSource
	places place.Lookup
	bcfg   bundler.Config
}

func New(proc *processor.Processor, sched *scheduler.Service, prefs PrefSource, places place.Lookup, bcfg bundler.Config, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if places == nil {
		places = place.Static{}
	}
	return &Pipeline{log: log, proc: proc, sched: sched, prefs: prefs, places: places, bcfg: bcfg}
}

// HandleEvent runs one event end to end. Suppressed outcomes come back with
// ShouldNotify=false and a reason; only transient failures return an error.
func (p *Pipeline) HandleEvent(ctx context.Context, ev event.GeofenceEvent) (processor.Result, error) {
	res, err := p.proc.ProcessEvent(ctx, ev)
	if err != nil || !res.ShouldNotify {
		return res, err
	}

	n := p.buildNotification(ctx, ev)
	if _, err := p.sched.Schedule(ctx, n); err != nil {
		return res, err
	}

	if p.prefs.Get(ev.UserID).BundlingEnabled {
		p.rebundle(ctx, ev.UserID)
	}
	return res, nil
}

// buildNotification turns an accepted event into user-facing copy. Place
// lookup failures degrade to generic copy; they never block a notification.
func (p *Pipeline) buildNotification(ctx context.Context, ev event.GeofenceEvent) notification.Notification {
	typ := notification.TypeArrival
	if ev.EventType == event.TypeExit {
		typ = notification.TypePostArrival
	}

	title := "You're near a task location"
	body := fmt.Sprintf("Reminder for task %s", ev.TaskID)
	meta := notification.Metadata{
		GeofenceID: ev.GeofenceID,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
	}
	if pl, err := p.places.Place(ctx, ev.GeofenceID); err == nil && pl.Name != "" {
		title = fmt.Sprintf("You're near %s", pl.Name)
		meta.GeofenceType = pl.Category
	}

	return notification.Notification{
		ID:            uuid.NewString(),
		TaskID:        ev.TaskID,
		UserID:        ev.UserID,
		Type:          typ,
		Title:         title,
		Body:          body,
		Actions:       defaultActions,
		Metadata:      meta,
		ScheduledTime: time.Now(),
	}
}

// rebundle folds the user's pending single notifications into bundles.
// Members are claimed through Cancel, which loses gracefully to in-flight
// deliveries: a member that cannot be claimed simply stays single, and a
// cluster that ends up below two claimed members is put back.
func (p *Pipeline) rebundle(ctx context.Context, userID string) {
	var singles []notification.Notification
	byNotifID := map[string]string{} // notification ID to scheduled ID
	for _, sn := range p.sched.PendingSingles(userID) {
		singles = append(singles, *sn.Notification)
		byNotifID[sn.Notification.ID] = sn.ID
	}

	out := bundler.Bundle(p.bcfg, singles)
	for _, b := range out.Bundles {
		var claimed []notification.Notification
		for _, m := range b.Notifications {
			if p.sched.Cancel(byNotifID[m.ID], userID) {
				claimed = append(claimed, m)
			}
		}
		if len(claimed) < 2 {
			// Not enough members survived the claim; reschedule them singly.
			for _, m := range claimed {
				if _, err := p.sched.Schedule(ctx, m); err != nil {
					p.log.Warn("reschedule after failed bundle", logx.String("notification", m.ID), logx.Err(err))
				}
			}
			continue
		}
		b.Notifications = claimed
		if _, err := p.sched.ScheduleBundle(ctx, b); err != nil {
			p.log.Warn("bundle schedule failed", logx.String("bundle", b.ID), logx.Err(err))
			for _, m := range claimed {
				_, _ = p.sched.Schedule(ctx, m)
			}
			continue
		}
		p.log.Debug("notifications bundled",
			logx.String("user", userID), logx.Int("members", len(claimed)),
			logx.String("bundle", b.ID))
	}
}
