// Package prefs holds per-user notification preferences consulted by the
// processor (quiet hours, hourly cap) and the bundler (bundling on/off).
package prefs

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/fault"
	"github.com/trilliondigital/near-me-sub002/internal/notification"
)

// Defaults fills the gaps for users who never touched their settings.
type Defaults struct {
	MaxPerHour      int
	QuietHoursStart string
	QuietHoursEnd   string
	Timezone        *time.Location
	BundlingEnabled bool
}

type Registry struct {
	mu   sync.RWMutex
	def  Defaults
	byID map[string]notification.Preferences
}

func NewRegistry(def Defaults) *Registry {
	if def.MaxPerHour <= 0 {
		def.MaxPerHour = 5
	}
	if def.Timezone == nil {
		def.Timezone = time.UTC
	}
	return &Registry{def: def, byID: map[string]notification.Preferences{}}
}

// Get returns the user's preferences with defaults applied.
func (r *Registry) Get(userID string) notification.Preferences {
	r.mu.RLock()
	p, ok := r.byID[userID]
	def := r.def
	r.mu.RUnlock()

	if !ok {
		p = notification.Preferences{UserID: userID, BundlingEnabled: def.BundlingEnabled}
	}
	if p.MaxPerHour <= 0 {
		p.MaxPerHour = def.MaxPerHour
	}
	if p.QuietHoursStart == "" && p.QuietHoursEnd == "" {
		p.QuietHoursStart = def.QuietHoursStart
		p.QuietHoursEnd = def.QuietHoursEnd
	}
	if p.Timezone == "" {
		p.Timezone = def.Timezone.String()
	}
	return p
}

// Set validates and stores the user's preferences.
func (r *Registry) Set(p notification.Preferences) error {
	if strings.TrimSpace(p.UserID) == "" {
		return fault.Validation("user_id is required")
	}
	if p.MaxPerHour < 0 {
		return fault.Validation("max_notifications_per_hour must be >= 0")
	}
	if (p.QuietHoursStart == "") != (p.QuietHoursEnd == "") {
		return fault.Validation("quiet hours start and end must be set together")
	}
	if p.QuietHoursStart != "" {
		if _, _, err := ParseClock(p.QuietHoursStart); err != nil {
			return err
		}
		if _, _, err := ParseClock(p.QuietHoursEnd); err != nil {
			return err
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fault.Validation("unknown timezone %q", p.Timezone)
		}
	}
	if p.DefaultSnooze != "" {
		if _, err := notification.ParseSnoozeDuration(string(p.DefaultSnooze)); err != nil {
			return err
		}
	}
	if p.DefaultMute != "" {
		if _, err := notification.ParseMuteDuration(string(p.DefaultMute)); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.byID[p.UserID] = p
	r.mu.Unlock()
	return nil
}

// ParseClock parses an "HH:MM" wall-clock string.
func ParseClock(s string) (h, m int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fault.Validation("invalid time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fault.Validation("invalid time %q, want HH:MM", s)
	}
	return h, m, nil
}

// InQuietHours reports whether now falls inside the user's quiet hours
// window, resolved in the user's timezone. Windows may span midnight
// (22:00-08:00).
func InQuietHours(p notification.Preferences, now time.Time, fallback *time.Location) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	sh, sm, err := ParseClock(p.QuietHoursStart)
	if err != nil {
		return false
	}
	eh, em, err := ParseClock(p.QuietHoursEnd)
	if err != nil {
		return false
	}

	loc := fallback
	if loc == nil {
		loc = time.UTC
	}
	if p.Timezone != "" {
		if l, lerr := time.LoadLocation(p.Timezone); lerr == nil {
			loc = l
		}
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	start := sh*60 + sm
	end := eh*60 + em

	if start == end {
		return false
	}
	if start < end {
		return minutes >= start && minutes < end
	}
	// Window spans midnight.
	return minutes >= start || minutes < end
}
