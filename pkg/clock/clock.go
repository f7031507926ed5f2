// Package clock implements the monotonic logical clock shared by the
// coordinator and every transaction it creates.
package clock

import "sync"

// Clock is a monotonically increasing integer counter, advanced exactly
// once per external command before the command is handled.
type Clock struct {
	mu    sync.Mutex
	value uint64
}

// New returns a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock by one and returns the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Now returns the current value without advancing it.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
