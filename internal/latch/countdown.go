// Package latch implements a one-shot countdown latch.
package latch

import (
	"context"
	"sync"
)

// Countdown is armed with n and fires exactly once when Done has been called
// n times. Extra Done calls after firing are ignored. A latch armed with
// n <= 0 is fired from construction.
type Countdown struct {
	mu        sync.Mutex
	remaining int
	fired     chan struct{}
	callbacks []func()
}

func New(n int) *Countdown {
	c := &Countdown{remaining: n, fired: make(chan struct{})}
	if n <= 0 {
		c.remaining = 0
		close(c.fired)
	}
	return c
}

// Done decrements the counter. It reports true for the call that fired the latch.
func (c *Countdown) Done() bool {
	c.mu.Lock()
	if c.remaining == 0 {
		c.mu.Unlock()
		return false
	}
	c.remaining--
	if c.remaining > 0 {
		c.mu.Unlock()
		return false
	}
	close(c.fired)
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}

// OnReady runs fn once the latch fires; immediately when it already has.
func (c *Countdown) OnReady(fn func()) {
	c.mu.Lock()
	if c.remaining > 0 {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Countdown) Ready() <-chan struct{} { return c.fired }

func (c *Countdown) Fired() bool {
	select {
	case <-c.fired:
		return true
	default:
		return false
	}
}

func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) Wait(ctx context.Context) error {
	select {
	case <-c.fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
