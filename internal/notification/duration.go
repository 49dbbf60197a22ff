package notification

import (
	"strings"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/fault"
)

// SnoozeDuration is the closed set of snooze lengths accepted at the boundary.
type SnoozeDuration string

const (
	Snooze15m   SnoozeDuration = "15m"
	Snooze1h    SnoozeDuration = "1h"
	SnoozeToday SnoozeDuration = "today"
)

// ParseSnoozeDuration rejects anything outside the fixed enum.
func ParseSnoozeDuration(raw string) (SnoozeDuration, error) {
	switch SnoozeDuration(strings.ToLower(strings.TrimSpace(raw))) {
	case Snooze15m:
		return Snooze15m, nil
	case Snooze1h:
		return Snooze1h, nil
	case SnoozeToday:
		return SnoozeToday, nil
	default:
		return "", fault.Validation("unknown snooze duration %q", raw)
	}
}

// Until resolves the snooze expiry instant. "today" means the next local
// midnight in loc.
func (d SnoozeDuration) Until(now time.Time, loc *time.Location) time.Time {
	switch d {
	case Snooze15m:
		return now.Add(15 * time.Minute)
	case Snooze1h:
		return now.Add(time.Hour)
	case SnoozeToday:
		return nextMidnight(now, loc)
	default:
		return now
	}
}

// MuteDuration is the closed set of mute lengths accepted at the boundary.
type MuteDuration string

const (
	Mute1h            MuteDuration = "1h"
	Mute4h            MuteDuration = "4h"
	Mute8h            MuteDuration = "8h"
	Mute24h           MuteDuration = "24h"
	MuteUntilTomorrow MuteDuration = "until_tomorrow"
	MutePermanent     MuteDuration = "permanent"
)

// ParseMuteDuration rejects anything outside the fixed enum.
func ParseMuteDuration(raw string) (MuteDuration, error) {
	switch MuteDuration(strings.ToLower(strings.TrimSpace(raw))) {
	case Mute1h:
		return Mute1h, nil
	case Mute4h:
		return Mute4h, nil
	case Mute8h:
		return Mute8h, nil
	case Mute24h:
		return Mute24h, nil
	case MuteUntilTomorrow:
		return MuteUntilTomorrow, nil
	case MutePermanent:
		return MutePermanent, nil
	default:
		return "", fault.Validation("unknown mute duration %q", raw)
	}
}

// Until resolves the mute expiry instant. Permanent mutes have no expiry and
// return (zero, false); they are cleared only by explicit unmute.
func (d MuteDuration) Until(now time.Time, loc *time.Location) (time.Time, bool) {
	switch d {
	case Mute1h:
		return now.Add(time.Hour), true
	case Mute4h:
		return now.Add(4 * time.Hour), true
	case Mute8h:
		return now.Add(8 * time.Hour), true
	case Mute24h:
		return now.Add(24 * time.Hour), true
	case MuteUntilTomorrow:
		return nextMidnight(now, loc), true
	case MutePermanent:
		return time.Time{}, false
	default:
		return now, true
	}
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
