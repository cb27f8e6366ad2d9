// Package scheduler provides the per-region cooperative timer core: a logical
// millisecond clock, a queue of pending timers, and the driver goroutine that
// fires them in due-time order.
package scheduler

import (
	"sync/atomic"
	"time"
)

// MaxInterval is the largest delay or interval, in milliseconds, a timer accepts.
const MaxInterval int64 = 1<<62 - 1

// Clock is the source of logical milliseconds for a Manager.
//
// Implementations MUST be safe for concurrent use and non-decreasing.
type Clock interface {
	// NowMillis returns the current logical time in milliseconds.
	NowMillis() int64
}

// SystemClock reads wall-clock time as Unix milliseconds.
type SystemClock struct{}

// NowMillis returns the current Unix time in milliseconds.
func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ManualClock is a Clock advanced explicitly by its owner.
// It never moves backwards.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock returns a ManualClock reading start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

// NowMillis returns the clock's current value.
func (c *ManualClock) NowMillis() int64 {
	return c.now.Load()
}

// Set moves the clock to ms. Values behind the current reading are ignored.
//
// Postcondition: NowMillis() >= ms.
func (c *ManualClock) Set(ms int64) {
	for {
		cur := c.now.Load()
		if ms <= cur {
			return
		}
		if c.now.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// Add advances the clock by delta milliseconds and returns the new reading.
// Negative deltas are ignored.
func (c *ManualClock) Add(delta int64) int64 {
	if delta <= 0 {
		return c.now.Load()
	}
	return c.now.Add(delta)
}
