package event

import (
	"strings"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/fault"
)

// Type is the boundary crossing direction reported by the device.
type Type string

const (
	TypeEnter Type = "enter"
	TypeExit  Type = "exit"
)

// ParseType validates a raw event type string at the boundary.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeEnter:
		return TypeEnter, nil
	case TypeExit:
		return TypeExit, nil
	default:
		return "", fault.Validation("unknown event type %q", raw)
	}
}

// GeofenceEvent is a raw boundary-crossing signal. Immutable once created.
type GeofenceEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TaskID     string    `json:"task_id"`
	GeofenceID string    `json:"geofence_id"`
	EventType  Type      `json:"event_type"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks event shape and coordinate ranges.
func (e GeofenceEvent) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fault.Validation("user_id is required")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return fault.Validation("task_id is required")
	}
	if strings.TrimSpace(e.GeofenceID) == "" {
		return fault.Validation("geofence_id is required")
	}
	if _, err := ParseType(string(e.EventType)); err != nil {
		return err
	}
	if e.Latitude < -90 || e.Latitude > 90 {
		return fault.Validation("latitude %v out of range [-90,90]", e.Latitude)
	}
	if e.Longitude < -180 || e.Longitude > 180 {
		return fault.Validation("longitude %v out of range [-180,180]", e.Longitude)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fault.Validation("confidence %v out of range [0,1]", e.Confidence)
	}
	if e.Timestamp.IsZero() {
		return fault.Validation("timestamp is required")
	}
	return nil
}

// QueueStatus is the lifecycle of a queued event.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
	QueueCompleted  QueueStatus = "completed"
)

// QueuedEvent wraps a GeofenceEvent whose immediate processing failed (or
// that arrived out-of-band via offline sync) for timer-driven retries.
type QueuedEvent struct {
	ID         string        `json:"id"`
	Event      GeofenceEvent `json:"event"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Status     QueueStatus   `json:"status"`
}
