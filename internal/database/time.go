package database

import "time"

// Millis converts a time to UTC unix milliseconds for storage.
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts stored unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
