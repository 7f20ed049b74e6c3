// Package store provides SQLite-based storage for beats, absences and devices.
package store

import (
	"time"
)

// Beat is a single liveness signal recorded for a device.
type Beat struct {
	ID        int64
	DeviceID  int64
	Timestamp time.Time
}

// Absence is a derived gap between two consecutive beats of a device that
// lasted at least the absence threshold. It covers the interval
// (EndTimestamp - Duration, EndTimestamp].
type Absence struct {
	ID           int64
	DeviceID     int64
	EndTimestamp time.Time
	Duration     int64 // seconds
	BeginBeat    int64
	EndBeat      int64
}

// Start returns the exclusive lower bound of the absence.
func (a Absence) Start() time.Time {
	return a.EndTimestamp.Add(-time.Duration(a.Duration) * time.Second)
}

// Contains reports whether t falls inside the absence. The start is excluded
// and the end is included, so Contains(a.EndTimestamp) is true while
// Contains(a.Start()) is false.
func (a Absence) Contains(t time.Time) bool {
	return a.EndTimestamp.Unix()-t.Unix() < a.Duration
}

// Device represents a registered device that is allowed to send beats.
type Device struct {
	ID        int64
	Name      string
	BeatCount int64
	CreatedAt time.Time

	// Token is only populated when the device is created; the database keeps
	// a digest of it.
	Token string
}

// unixTime converts stored seconds back into a UTC time.
func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
