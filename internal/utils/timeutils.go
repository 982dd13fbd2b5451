package utils

import (
	"fmt"
	"time"
)

// DayLayout is the shard key layout for day-partitioned logs.
const DayLayout = "2006-01-02"

// DayKey returns the UTC day shard a timestamp belongs to.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a shard key back into the UTC midnight it names.
func ParseDay(key string) (time.Time, error) {
	if key == "" {
		return time.Time{}, fmt.Errorf("empty day key")
	}
	t, err := time.ParseInLocation(DayLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day key: %w", err)
	}
	return t, nil
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}
