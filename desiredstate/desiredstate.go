// Package desiredstate implements the single shared "desired delta"
// register that the Controller Loop and the Scheduler Agent use to pass
// task demand back and forth without queueing it.
package desiredstate

import "sync"

// Cell is a mutex-guarded (count, stamp) register. A positive Count means
// that many warmer tasks are wanted; negative means cooler; zero means
// nothing to do. Stamp is a monotonically non-decreasing logical clock used
// to resolve writer races: the writer with the larger stamp always wins.
//
// Cell intentionally has no channel, no queue, and no history. Demand does
// not accumulate across ticks -- only the most recent write matters.
type Cell struct {
	mu    sync.Mutex
	count int64
	stamp int64
}

// New returns an empty Cell.
func New() *Cell {
	return &Cell{}
}

// Snapshot is an immutable view of the cell at a point in time.
type Snapshot struct {
	Count int64
	Stamp int64
}

// Read returns the current value without mutating it.
func (c *Cell) Read() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Count: c.count, Stamp: c.stamp}
}

// Write overwrites the cell's value if stamp is not older than the
// currently stored stamp. It reports whether the write took effect.
func (c *Cell) Write(count, stamp int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp < c.stamp {
		return false
	}
	c.count = count
	c.stamp = stamp
	return true
}

// ReadAndResidual atomically reads the current value and replaces it with
// the residual left after fulfilled units of demand have been served, using
// stamp as the new write's timestamp. It returns the snapshot that was read
// (the value resourceOffers should act on).
//
// fulfilled must be >= 0. The residual retains the sign of the original
// count: a post-launch residual is 0 only if fulfilled >= |count|,
// otherwise it is sign(count) * (|count| - min(fulfilled, |count|)).
func (c *Cell) ReadAndResidual(fulfilled, stamp int64) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	read := Snapshot{Count: c.count, Stamp: c.stamp}

	abs := read.Count
	if abs < 0 {
		abs = -abs
	}
	if fulfilled > abs {
		fulfilled = abs
	}
	residual := abs - fulfilled
	if read.Count < 0 {
		residual = -residual
	}

	if stamp >= c.stamp {
		c.count = residual
		c.stamp = stamp
	}
	return read
}
