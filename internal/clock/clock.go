// Package clock implements the Lamport logical clock shared by every
// process in the chat cluster.
package clock

import "sync/atomic"

// Clock is a monotonically non-decreasing logical counter. The zero value is
// ready to use and safe for concurrent use.
type Clock struct {
	counter atomic.Uint64
}

// New returns a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Value returns the current counter without advancing it.
func (c *Clock) Value() uint64 {
	return c.counter.Load()
}

// Tick advances the counter by one and returns the new value. Called before
// every outbound message.
func (c *Clock) Tick() uint64 {
	return c.counter.Add(1)
}

// Observe merges a received value: the counter becomes max(counter, v).
// It does not advance past v. Returns the resulting counter.
func (c *Clock) Observe(v uint64) uint64 {
	for {
		cur := c.counter.Load()
		if v <= cur {
			return cur
		}
		if c.counter.CompareAndSwap(cur, v) {
			return v
		}
	}
}
