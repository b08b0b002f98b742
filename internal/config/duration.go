package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault resolves a duration config field. Timeouts and
// intervals are kept as strings ("30s", "10m") so YAML and env
// overrides stay readable; each component parses its fields once at
// construction and rejects bad values there instead of at use time.
func DurationOrDefault(value, def string) (time.Duration, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		raw = strings.TrimSpace(def)
	}
	if raw == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}
