package rabbitmq

import (
	"context"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenmq/warren-go/exchange"
)

func TestChannelFactoryCreate(t *testing.T) {
	t.Run("fails without a live connection", func(t *testing.T) {
		factory := NewChannelFactory(NewConnectionManager("amqp://localhost:5672"))

		_, err := factory.Create(context.Background(), exchange.NewOptions("orders", exchange.KindTopic), slog.Default())
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})
}

func TestExchangeChannelReleased(t *testing.T) {
	t.Run("graceful close closes released without a value", func(t *testing.T) {
		ec := &exchangeChannel{id: "test", logger: slog.Default(), released: make(chan error, 1)}
		closes := make(chan *amqp.Error)
		close(closes)

		go ec.watch(closes, make(chan string))

		err, ok := <-ec.Released()
		assert.False(t, ok)
		assert.NoError(t, err)
	})

	t.Run("broker close yields one ChannelError then closes", func(t *testing.T) {
		ec := &exchangeChannel{id: "test", logger: slog.Default(), released: make(chan error, 1)}
		closes := make(chan *amqp.Error, 1)
		closes <- &amqp.Error{Code: 541, Reason: "internal error"}

		go ec.watch(closes, make(chan string))

		err, ok := <-ec.Released()
		require.True(t, ok)

		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "test", chanErr.ChannelID)

		_, ok = <-ec.Released()
		assert.False(t, ok, "released is a one-shot")
	})

	t.Run("broker cancel yields the cancelled sentinel", func(t *testing.T) {
		ec := &exchangeChannel{id: "test", logger: slog.Default(), released: make(chan error, 1)}
		cancels := make(chan string, 1)
		cancels <- "consumer-tag"

		go ec.watch(make(chan *amqp.Error), cancels)

		err, ok := <-ec.Released()
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrChannelCancelled)
	})
}
