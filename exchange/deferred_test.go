package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompletionSettle(t *testing.T) {
	t.Run("first settlement wins", func(t *testing.T) {
		c := newCompletion()

		assert.True(t, c.settle(nil))
		assert.False(t, c.settle(errors.New("too late")))
		assert.True(t, c.isSettled())

		assert.NoError(t, c.wait(context.Background()))
	})

	t.Run("rejection carries the error", func(t *testing.T) {
		c := newCompletion()
		cause := errors.New("broker said no")

		assert.True(t, c.settle(cause))
		assert.ErrorIs(t, c.wait(context.Background()), cause)
	})

	t.Run("concurrent settlements resolve exactly once", func(t *testing.T) {
		c := newCompletion()
		var wins atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.settle(errors.New("race")) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestCompletionWait(t *testing.T) {
	t.Run("context cancellation abandons the wait locally", func(t *testing.T) {
		c := newCompletion()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, c.wait(ctx), context.DeadlineExceeded)

		// The machine can still settle the handle afterwards.
		assert.True(t, c.settle(nil))
	})
}

func TestCompletionTimeout(t *testing.T) {
	t.Run("settlement stops the armed timer", func(t *testing.T) {
		c := newCompletion()
		var fired atomic.Bool
		c.armTimeout(time.AfterFunc(30*time.Millisecond, func() {
			fired.Store(true)
			c.settle(errors.New("timed out"))
		}))

		assert.True(t, c.settle(nil))
		time.Sleep(60 * time.Millisecond)
		assert.False(t, fired.Load())
		assert.NoError(t, c.wait(context.Background()))
	})

	t.Run("arming after settlement stops the timer immediately", func(t *testing.T) {
		c := newCompletion()
		assert.True(t, c.settle(nil))

		var fired atomic.Bool
		c.armTimeout(time.AfterFunc(20*time.Millisecond, func() {
			fired.Store(true)
		}))

		time.Sleep(50 * time.Millisecond)
		assert.False(t, fired.Load())
	})

	t.Run("timer rejection is the only settlement", func(t *testing.T) {
		c := newCompletion()
		timeoutErr := errors.New("publish timed out")
		c.armTimeout(time.AfterFunc(10*time.Millisecond, func() {
			c.settle(timeoutErr)
		}))

		assert.ErrorIs(t, c.wait(context.Background()), timeoutErr)
		assert.False(t, c.settle(nil))
	})
}
