package place

import (
	"context"
	"time"
)

// Place is the POI metadata attached to notification copy.
type Place struct {
	ID        string
	Name      string
	Category  string
	Latitude  float64
	Longitude float64
}

// Lookup resolves geofence IDs to place metadata. It is an external
// collaborator (the product's POI service); the engine must not embed domain
// data and calls it synchronously with a bounded timeout.
type Lookup interface {
	Place(ctx context.Context, geofenceID string) (Place, error)
}

// WithTimeout wraps a Lookup so every call is bounded.
func WithTimeout(l Lookup, d time.Duration) Lookup {
	if d <= 0 {
		d = 2 * time.Second
	}
	return timeoutLookup{inner: l, d: d}
}

type timeoutLookup struct {
	inner Lookup
	d     time.Duration
}

func (t timeoutLookup) Place(ctx context.Context, geofenceID string) (Place, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Place(ctx, geofenceID)
}

// Static is a fixed in-memory Lookup, used in tests and as a fallback when no
// POI service is wired.
type Static map[string]Place

func (s Static) Place(_ context.Context, geofenceID string) (Place, error) {
	if p, ok := s[geofenceID]; ok {
		return p, nil
	}
	return Place{ID: geofenceID}, nil
}
