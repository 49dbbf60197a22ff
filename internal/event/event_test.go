package event

import (
	"testing"
	"time"
)

func validEvent() GeofenceEvent {
	return GeofenceEvent{
		ID:         "e1",
		UserID:     "u1",
		TaskID:     "t1",
		GeofenceID: "g1",
		EventType:  TypeEnter,
		Latitude:   52.52,
		Longitude:  13.405,
		Confidence: 0.9,
		Timestamp:  time.Date(2026, 8, 30, 10, 2, 17, 0, time.UTC),
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*GeofenceEvent)
		ok     bool
	}{
		{"valid", func(e *GeofenceEvent) {}, true},
		{"missing user", func(e *GeofenceEvent) { e.UserID = "" }, false},
		{"missing task", func(e *GeofenceEvent) { e.TaskID = "" }, false},
		{"missing geofence", func(e *GeofenceEvent) { e.GeofenceID = "" }, false},
		{"bad type", func(e *GeofenceEvent) { e.EventType = "loiter" }, false},
		{"lat too high", func(e *GeofenceEvent) { e.Latitude = 90.01 }, false},
		{"lat too low", func(e *GeofenceEvent) { e.Latitude = -91 }, false},
		{"lon too high", func(e *GeofenceEvent) { e.Longitude = 180.5 }, false},
		{"confidence above 1", func(e *GeofenceEvent) { e.Confidence = 1.2 }, false},
		{"confidence below 0", func(e *GeofenceEvent) { e.Confidence = -0.1 }, false},
		{"zero timestamp", func(e *GeofenceEvent) { e.Timestamp = time.Time{} }, false},
		{"boundary coords", func(e *GeofenceEvent) { e.Latitude, e.Longitude = -90, 180 }, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev := validEvent()
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	if typ, err := ParseType(" Enter "); err != nil || typ != TypeEnter {
		t.Fatalf("ParseType(Enter) = %q, %v", typ, err)
	}
	if _, err := ParseType("dwell"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestFingerprintBucketsTimestamps(t *testing.T) {
	t.Parallel()

	base := validEvent()
	sameBucket := base
	sameBucket.ID = "e2" // fresh ID must not change the fingerprint
	sameBucket.Timestamp = base.Timestamp.Add(2 * time.Minute)

	if Fingerprint(base, DefaultBucket) != Fingerprint(sameBucket, DefaultBucket) {
		t.Fatalf("events in the same bucket should share a fingerprint")
	}

	nextBucket := base
	nextBucket.Timestamp = base.Timestamp.Add(6 * time.Minute)
	if Fingerprint(base, DefaultBucket) == Fingerprint(nextBucket, DefaultBucket) {
		t.Fatalf("events in different buckets should not collide")
	}

	otherUser := base
	otherUser.UserID = "u2"
	if Fingerprint(base, DefaultBucket) == Fingerprint(otherUser, DefaultBucket) {
		t.Fatalf("fingerprint must include the user")
	}

	exit := base
	exit.EventType = TypeExit
	if Fingerprint(base, DefaultBucket) == Fingerprint(exit, DefaultBucket) {
		t.Fatalf("fingerprint must include the event type")
	}
}
