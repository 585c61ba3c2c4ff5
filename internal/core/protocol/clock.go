package protocol

import (
	"sync"
	"time"
)

// Stamp is one reading of a LogicalClock.
type Stamp struct {
	Seq  uint64
	Wall time.Time
}

// LogicalClock orders the events of one source. Its counter never regresses;
// gaps are allowed.
type LogicalClock struct {
	mu   sync.Mutex
	seq  uint64
	wall time.Time
	now  func() time.Time
}

func NewLogicalClock() *LogicalClock {
	return &LogicalClock{now: time.Now}
}

// Tick advances the counter by one.
func (c *LogicalClock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.wall = c.now()
	return Stamp{Seq: c.seq, Wall: c.wall}
}

// Observe adopts a sequence number carried on the wire. Zero means the wire
// carries none and the clock ticks. A value at or below the current counter
// is a regression and is refused.
func (c *LogicalClock) Observe(remote uint64) (Stamp, bool) {
	if remote == 0 {
		return c.Tick(), true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if remote <= c.seq {
		return Stamp{Seq: c.seq, Wall: c.wall}, false
	}
	c.seq = remote
	c.wall = c.now()
	return Stamp{Seq: c.seq, Wall: c.wall}, true
}

func (c *LogicalClock) Current() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stamp{Seq: c.seq, Wall: c.wall}
}
