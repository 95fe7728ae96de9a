package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		msg := NewMessage("orders.created", []byte(`{"id":1}`))

		assert.Equal(t, "orders.created", msg.RoutingKey)
		assert.Equal(t, []byte(`{"id":1}`), msg.Body)
		assert.Equal(t, DefaultContentType, msg.ContentType)
		assert.True(t, msg.Persistent)
		assert.False(t, msg.Mandatory)
		assert.NotEmpty(t, msg.MessageID)
		assert.False(t, msg.Timestamp.IsZero())
		assert.Zero(t, msg.Timeout)
	})

	t.Run("generates unique message IDs", func(t *testing.T) {
		first := NewMessage("k", nil)
		second := NewMessage("k", nil)
		assert.NotEqual(t, first.MessageID, second.MessageID)
	})
}

func TestMessageWithHeader(t *testing.T) {
	t.Run("sets header on copy", func(t *testing.T) {
		msg := NewMessage("k", nil).WithHeader("x-origin", "billing")
		assert.Equal(t, "billing", msg.Headers["x-origin"])
	})

	t.Run("does not mutate the original header map", func(t *testing.T) {
		original := NewMessage("k", nil).WithHeader("a", 1)
		modified := original.WithHeader("b", 2)

		assert.Equal(t, 1, original.Headers["a"])
		assert.NotContains(t, original.Headers, "b")
		assert.Equal(t, 1, modified.Headers["a"])
		assert.Equal(t, 2, modified.Headers["b"])
	})
}

func TestMessageWith(t *testing.T) {
	t.Run("correlation ID", func(t *testing.T) {
		msg := NewMessage("k", nil).WithCorrelationID("corr-7")
		assert.Equal(t, "corr-7", msg.CorrelationID)
	})

	t.Run("timeout", func(t *testing.T) {
		msg := NewMessage("k", nil).WithTimeout(250 * time.Millisecond)
		assert.Equal(t, 250*time.Millisecond, msg.Timeout)
	})
}
