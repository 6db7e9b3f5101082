package store

import "time"

// Timestamps are persisted as RFC3339Nano UTC text in both dialects.

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored timestamp; zero time on empty input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
