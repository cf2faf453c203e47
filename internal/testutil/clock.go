package testutil

import (
	"sync"
	"time"
)

// Epoch is the block time of slot 0 on a fresh LedgerClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// LedgerClock hands out increasing slots with block times one second
// apart, so fixtures get a deterministic ledger order.
//
// Thread-safety: all methods are safe for concurrent use.
type LedgerClock struct {
	mu   sync.Mutex
	slot uint64
	step time.Duration
}

// NewLedgerClock creates a clock at slot 0. The first call to Next returns
// slot 1.
func NewLedgerClock() *LedgerClock {
	return &LedgerClock{step: time.Second}
}

// Next advances one slot and returns it with its block time.
func (c *LedgerClock) Next() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot++
	return c.slot, c.timeOf(c.slot)
}

// Current returns the last slot handed out.
func (c *LedgerClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// TimeOf returns the block time of slot.
func (c *LedgerClock) TimeOf(slot uint64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeOf(slot)
}

func (c *LedgerClock) timeOf(slot uint64) time.Time {
	return Epoch.Add(time.Duration(slot) * c.step)
}

// Reset returns the clock to slot 0.
func (c *LedgerClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = 0
}
