package exchange

import (
	"context"
	"sync"
	"time"
)

// completion is the machine-side handle for one outstanding Publish, Check or
// Destroy call. The caller blocks in wait; the machine or a timeout timer
// settles the handle exactly once.
type completion struct {
	done chan error

	mu      sync.Mutex
	settled bool
	timer   *time.Timer
}

func newCompletion() *completion {
	return &completion{done: make(chan error, 1)}
}

// settle resolves (nil) or rejects (non-nil) the caller. It reports whether
// this call performed the settlement; all later calls are no-ops.
func (c *completion) settle(err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	timer := c.timer
	c.timer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.done <- err
	return true
}

// armTimeout attaches the timer that expires this completion, so settlement
// through another path can stop it. If settlement already happened the timer
// is stopped immediately.
func (c *completion) armTimeout(timer *time.Timer) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		timer.Stop()
		return
	}
	c.timer = timer
	c.mu.Unlock()
}

// isSettled reports whether the completion was already resolved or rejected.
func (c *completion) isSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// wait blocks until settlement or context cancellation. Cancellation abandons
// the wait locally; the machine still settles the handle on its own schedule.
func (c *completion) wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
