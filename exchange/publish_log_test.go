package exchange

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenmq/warren-go/contracts"
)

func logEntry(id string) Entry {
	return Entry{
		ID:      id,
		Message: contracts.NewMessage("k."+id, []byte(id)),
		SentAt:  time.Now(),
	}
}

func TestPublishLogAppend(t *testing.T) {
	log := NewPublishLog()
	assert.Equal(t, 0, log.Count())

	log.Append(logEntry("a"))
	log.Append(logEntry("b"))
	assert.Equal(t, 2, log.Count())
}

func TestPublishLogConfirm(t *testing.T) {
	t.Run("removes the confirmed entry", func(t *testing.T) {
		log := NewPublishLog()
		log.Append(logEntry("a"))
		log.Append(logEntry("b"))
		log.Append(logEntry("c"))

		assert.True(t, log.Confirm("b"))
		assert.Equal(t, 2, log.Count())

		remaining := log.Reset()
		require.Len(t, remaining, 2)
		assert.Equal(t, "a", remaining[0].ID)
		assert.Equal(t, "c", remaining[1].ID)
	})

	t.Run("absent entry is not an error", func(t *testing.T) {
		log := NewPublishLog()
		log.Append(logEntry("a"))

		assert.False(t, log.Confirm("missing"))
		assert.Equal(t, 1, log.Count())
	})

	t.Run("double confirm is a no-op", func(t *testing.T) {
		log := NewPublishLog()
		log.Append(logEntry("a"))

		assert.True(t, log.Confirm("a"))
		assert.False(t, log.Confirm("a"))
		assert.Equal(t, 0, log.Count())
	})
}

func TestPublishLogReset(t *testing.T) {
	t.Run("drains all entries in append order", func(t *testing.T) {
		log := NewPublishLog()
		for i := 0; i < 5; i++ {
			log.Append(logEntry(fmt.Sprintf("m%d", i)))
		}

		drained := log.Reset()
		require.Len(t, drained, 5)
		for i, e := range drained {
			assert.Equal(t, fmt.Sprintf("m%d", i), e.ID)
		}
		assert.Equal(t, 0, log.Count())
	})

	t.Run("reset of an empty log returns nothing", func(t *testing.T) {
		log := NewPublishLog()
		assert.Empty(t, log.Reset())
	})

	t.Run("appends after reset start a fresh batch", func(t *testing.T) {
		log := NewPublishLog()
		log.Append(logEntry("old"))
		log.Reset()

		log.Append(logEntry("new"))
		drained := log.Reset()
		require.Len(t, drained, 1)
		assert.Equal(t, "new", drained[0].ID)
	})
}
