package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields are strings in time.ParseDuration syntax
// ("30s", "5m"). Empty means unset and parses to zero; negative values are
// rejected.

// ParseDurationField parses one duration field, naming the field path in
// errors so a bad reload log points at the exact knob.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset fields. Engine components
// use it when mapping config sections onto their own defaults.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
