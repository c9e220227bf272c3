package ncoap

import "time"

// Clock is the timer collaborator shared by the reliability engine,
// exchange table, and observe manager, so tests can swap in a
// deterministic fake instead of the system clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NowMillis returns the current time in epoch milliseconds, used as
	// the Observe sequence-number seed.
	NowMillis() int64
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// RealClock is the default Clock backed by the system wall clock.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) NowMillis() int64                        { return time.Now().UnixMilli() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
