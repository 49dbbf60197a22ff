// Package bundler groups a user's pending notifications that are close in
// both space and time into a single deliverable bundle, so arriving near a
// cluster of task locations produces one notification instead of several.
package bundler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub002/internal/notification"
)

type Config struct {
	// RadiusM is the maximum distance from the cluster seed, in meters.
	RadiusM float64
	// Window is the maximum scheduled-time spread within a bundle.
	Window time.Duration
	// MinSize is the smallest group worth bundling; smaller groups are
	// returned as singles.
	MinSize int
}

func (c Config) withDefaults() Config {
	if c.RadiusM <= 0 {
		c.RadiusM = 500
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.MinSize < 2 {
		c.MinSize = 2
	}
	return c
}

// Output separates what should be delivered together from what stays alone.
type Output struct {
	Bundles []notification.Bundle
	Singles []notification.Notification
}

// Bundle clusters the notifications. Input must belong to one user; mixed
// input is clustered per user anyway since the user ID participates in
// grouping. The function is pure: same input, same grouping.
//
// Clustering is greedy: notifications are ordered by scheduled time, the
// earliest unclaimed one seeds a cluster, and later ones join if they are
// within RadiusM of the seed and within Window of it.
func Bundle(cfg Config, input []notification.Notification) Output {
	cfg = cfg.withDefaults()
	var out Output
	if len(input) == 0 {
		return out
	}

	ns := make([]notification.Notification, len(input))
	copy(ns, input)
	sort.SliceStable(ns, func(i, j int) bool {
		if !ns[i].ScheduledTime.Equal(ns[j].ScheduledTime) {
			return ns[i].ScheduledTime.Before(ns[j].ScheduledTime)
		}
		return ns[i].ID < ns[j].ID
	})

	claimed := make([]bool, len(ns))
	for i := range ns {
		if claimed[i] {
			continue
		}
		seed := ns[i]
		cluster := []notification.Notification{seed}
		claimed[i] = true

		for j := i + 1; j < len(ns); j++ {
			if claimed[j] || ns[j].UserID != seed.UserID {
				continue
			}
			if ns[j].ScheduledTime.Sub(seed.ScheduledTime) > cfg.Window {
				break // sorted by time, nothing later can qualify
			}
			d := HaversineM(seed.Metadata.Latitude, seed.Metadata.Longitude,
				ns[j].Metadata.Latitude, ns[j].Metadata.Longitude)
			if d > cfg.RadiusM {
				continue
			}
			cluster = append(cluster, ns[j])
			claimed[j] = true
		}

		if len(cluster) < cfg.MinSize {
			out.Singles = append(out.Singles, cluster...)
			continue
		}
		out.Bundles = append(out.Bundles, build(cfg, seed, cluster))
	}
	return out
}

func build(cfg Config, seed notification.Notification, members []notification.Notification) notification.Bundle {
	tasks := map[string]struct{}{}
	for _, n := range members {
		tasks[n.TaskID] = struct{}{}
	}
	return notification.Bundle{
		ID:            uuid.NewString(),
		UserID:        seed.UserID,
		Notifications: members,
		Title:         fmt.Sprintf("%d reminders nearby", len(members)),
		Body:          fmt.Sprintf("%d reminders nearby for %d tasks", len(members), len(tasks)),
		Latitude:      seed.Metadata.Latitude,
		Longitude:     seed.Metadata.Longitude,
		RadiusM:       cfg.RadiusM,
		ScheduledTime: seed.ScheduledTime,
	}
}

const earthRadiusM = 6371000

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
