package table

import "sync/atomic"

// Clock hands out event ids: a monotonic logical counter owned by one table.
//
// Every event log entry is stamped with Next(). Ids are strictly increasing
// and contiguous, so a gap in a persisted log means a lost entry. The
// counter is never derived from wall-clock time.
//
// Thread-safety: Clock uses atomic operations, but the table that owns it is
// single-writer, so in practice one goroutine calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first id is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose first id is start+1.
// Used when a table resumes after restoring a persisted event log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next id and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last id handed out (0 when none).
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
