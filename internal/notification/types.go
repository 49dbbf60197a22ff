package notification

import (
	"time"
)

// Type classifies why a notification fires relative to the geofence.
type Type string

const (
	TypeApproach    Type = "approach"
	TypeArrival     Type = "arrival"
	TypePostArrival Type = "post_arrival"
	TypeCompletion  Type = "completion"
)

// Metadata carries the geofence context a notification was born from.
type Metadata struct {
	GeofenceID   string  `json:"geofence_id"`
	GeofenceType string  `json:"geofence_type,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

// Notification is created by the processor on a positive notify decision and
// owned by the scheduler thereafter.
type Notification struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	UserID        string    `json:"user_id"`
	Type          Type      `json:"type"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Actions       []string  `json:"actions,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// ScheduledStatus is the scheduler-owned delivery state machine.
type ScheduledStatus string

const (
	StatusPending   ScheduledStatus = "pending"
	StatusDelivered ScheduledStatus = "delivered"
	StatusFailed    ScheduledStatus = "failed"
	StatusCancelled ScheduledStatus = "cancelled"
)

// ScheduledNotification tracks one deliverable unit (a notification or a
// bundle). Status transitions are owned exclusively by the scheduler.
type ScheduledNotification struct {
	ID            string          `json:"id"`
	Notification  *Notification   `json:"notification,omitempty"`
	BundleID      string          `json:"bundle_id,omitempty"`
	UserID        string          `json:"user_id"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Status        ScheduledStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttempt   time.Time       `json:"last_attempt,omitzero"`
	Error         string          `json:"error,omitempty"`
}

// Bundle aggregates two or more notifications that are spatially and
// temporally close. Members remain addressable but are delivered only as
// part of the bundle.
type Bundle struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Notifications []Notification `json:"notifications"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	RadiusM       float64        `json:"radius_m"`
	ScheduledTime time.Time      `json:"scheduled_time"`
}

// SuppressionStatus is shared by snoozes and mutes.
type SuppressionStatus string

const (
	SuppressionActive    SuppressionStatus = "active"
	SuppressionCancelled SuppressionStatus = "cancelled"
	SuppressionExpired   SuppressionStatus = "expired"
)

// Snooze is a temporary, per-notification suppression with a resume time.
type Snooze struct {
	ID                    string            `json:"id"`
	NotificationID        string            `json:"notification_id"`
	UserID                string            `json:"user_id"`
	TaskID                string            `json:"task_id"`
	Duration              SnoozeDuration    `json:"duration"`
	SnoozeUntil           time.Time         `json:"snooze_until"`
	OriginalScheduledTime time.Time         `json:"original_scheduled_time"`
	SnoozeCount           int               `json:"snooze_count"`
	Status                SuppressionStatus `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Mute is a per-task suppression, potentially indefinite. One active mute per
// task; a new mute supersedes the prior one.
type Mute struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	UserID    string            `json:"user_id"`
	Duration  MuteDuration      `json:"duration"`
	MuteUntil *time.Time        `json:"mute_until,omitempty"` // nil for permanent
	Reason    string            `json:"reason,omitempty"`
	Status    SuppressionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Preferences holds the per-user notification knobs consulted by the
// processor and bundler.
type Preferences struct {
	UserID          string `json:"user_id"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"` // "22:00"
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`   // "08:00"
	Timezone        string `json:"timezone,omitempty"`
	BundlingEnabled bool   `json:"bundling_enabled"`
	MaxPerHour      int    `json:"max_notifications_per_hour"`

	DefaultSnooze SnoozeDuration `json:"default_snooze_duration,omitempty"`
	DefaultMute   MuteDuration   `json:"default_mute_duration,omitempty"`
}
