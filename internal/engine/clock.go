package engine

import "sync/atomic"

// Clock hands out snapshot versions.
//
// Every published snapshot carries a strictly increasing version, so a
// reader can tell whether the view it holds is current without comparing
// contents. A Session shares one Clock across its engines, which keeps
// versions increasing across channel switches.
//
// Clock is safe for concurrent use.
type Clock struct {
	version atomic.Int64
}

// NewClock creates a clock starting at 0. The first version handed out is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next version.
func (c *Clock) Next() int64 {
	return c.version.Add(1)
}

// Current returns the last version handed out, or 0.
func (c *Clock) Current() int64 {
	return c.version.Load()
}
