// Package clock provides the coarse seconds clock that drives deferred
// reclamation. The clock never advances on its own: exactly one owner calls
// Tick, Advance or Run.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is a monotonically non-decreasing seconds counter safe for concurrent
// reads.
type Clock struct {
	now atomic.Int64
}

// New creates a clock starting at the current wall time.
func New() *Clock {
	c := &Clock{}
	c.now.Store(time.Now().Unix())
	return c
}

// NewAt creates a clock starting at sec. Useful for tests that drive time by
// hand.
func NewAt(sec int64) *Clock {
	c := &Clock{}
	c.now.Store(sec)
	return c
}

// Now returns the current coarse time in seconds.
func (c *Clock) Now() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by d seconds. Negative values are ignored.
func (c *Clock) Advance(d int64) int64 {
	if d <= 0 {
		return c.now.Load()
	}
	return c.now.Add(d)
}

// Set moves the clock to sec if sec is ahead of the current value.
func (c *Clock) Set(sec int64) int64 {
	for {
		cur := c.now.Load()
		if sec <= cur {
			return cur
		}
		if c.now.CompareAndSwap(cur, sec) {
			return sec
		}
	}
}

// Tick syncs the clock with wall time.
func (c *Clock) Tick() int64 {
	return c.Set(time.Now().Unix())
}

// Run ticks the clock every interval until ctx is done. It is meant to be
// started by the clock's single owner, e.g. `go clk.Run(ctx, time.Second)`.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-ctx.Done():
			return
		}
	}
}
