// Package system provides the wall clock used to stamp keyword records.
package system

import "time"

// Precision matches TIMESTAMPTZ so a stamped record survives a Postgres round trip unchanged.
const Precision = time.Microsecond

// Clock implements images.Clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision, without a monotonic reading.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
