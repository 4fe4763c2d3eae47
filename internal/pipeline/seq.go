package pipeline

import "sync/atomic"

// SeqClock is the monotonic logical clock stamping stored events.
//
// Every persisted event carries a strictly increasing seq number from this
// clock. Wall-clock timestamps have millisecond resolution and can collide;
// seq breaks those ties so queries and behavioral scans observe one total
// order.
//
// Thread-safety: safe for concurrent use (atomic operations), though the
// pipeline's single-writer design means only the worker calls Next().
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock starting at 0.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// NewSeqClockAt creates a clock resuming from a specific sequence number,
// typically the store's max seq on startup.
func NewSeqClockAt(start int64) *SeqClock {
	c := &SeqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and advances the clock.
// Each call returns a unique, increasing value.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without advancing.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}
