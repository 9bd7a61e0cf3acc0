package engine

import "sync/atomic"

// Clock numbers reconciliation cycles.
//
// Every fleet cycle is stamped with a strictly increasing sequence number
// from this clock, so log lines from one cycle can be grouped and ordered
// without relying on wall-clock time.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
