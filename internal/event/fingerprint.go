package event

import (
	"fmt"
	"hash/fnv"
	"time"
)

// DefaultBucket is the canonical fingerprint bucket width. Identical events
// whose timestamps fall in the same bucket collapse to one logical event.
const DefaultBucket = 5 * time.Minute

// Fingerprint derives the dedup key for an event.
//
// The key deliberately excludes the event ID: retransmitted or replayed
// events arrive with fresh IDs but must still collapse. Bucketing uses the
// event's own timestamp (not arrival time) so offline batches dedup the same
// way live traffic does.
func Fingerprint(e GeofenceEvent, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	b := e.Timestamp.UTC().Truncate(bucket).Unix()
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.UserID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(e.GeofenceID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(e.EventType))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(fmt.Sprintf("%d", b)))
	return fmt.Sprintf("%x", h.Sum64())
}
