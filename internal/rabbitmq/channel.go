package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warrenmq/warren-go/contracts"
	"github.com/warrenmq/warren-go/exchange"
)

// ChannelFactory produces confirm-mode channels for exchange machines. Each
// channel is bound to the connection that was live at Create time; the
// machine replaces it through a fresh Create after every reconnect.
type ChannelFactory struct {
	manager *ConnectionManager
}

// NewChannelFactory creates a factory on top of the connection manager.
func NewChannelFactory(manager *ConnectionManager) *ChannelFactory {
	return &ChannelFactory{manager: manager}
}

// Create opens a channel on the current connection, puts it in confirm mode
// and wires the released watcher.
func (f *ChannelFactory) Create(ctx context.Context, opts exchange.Options, logger *slog.Logger) (exchange.Channel, error) {
	conn, err := f.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "confirm select", Err: err, Timestamp: time.Now()}
	}

	ec := &exchangeChannel{
		id:       uuid.New().String(),
		ch:       ch,
		opts:     opts,
		logger:   logger,
		released: make(chan error, 1),
	}
	if ec.logger == nil {
		ec.logger = slog.Default()
	}

	go ec.watch(
		ch.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyCancel(make(chan string, 1)),
	)

	return ec, nil
}

// exchangeChannel binds one exchange definition to one connection attempt.
type exchangeChannel struct {
	id       string
	ch       *amqp.Channel
	opts     exchange.Options
	logger   *slog.Logger
	released chan error
}

// Define declares the exchange on the broker.
func (c *exchangeChannel) Define(ctx context.Context) error {
	args := amqp.Table{}
	for k, v := range c.opts.Arguments {
		args[k] = v
	}
	if c.opts.AlternateExchange != "" {
		args["alternate-exchange"] = c.opts.AlternateExchange
	}
	if len(args) == 0 {
		args = nil
	}

	err := c.ch.ExchangeDeclare(
		c.opts.Name,
		string(c.opts.Kind),
		c.opts.Durable,
		c.opts.AutoDelete,
		c.opts.Internal,
		false, // no-wait
		args,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      c.opts.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Publish sends the message and returns the broker's pending confirmation.
// amqp091's DeferredConfirmation satisfies exchange.Confirmation directly.
func (c *exchangeChannel) Publish(ctx context.Context, msg contracts.Message) (exchange.Confirmation, error) {
	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	conf, err := c.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		c.opts.Name,
		msg.RoutingKey,
		msg.Mandatory,
		false, // immediate
		amqp.Publishing{
			Headers:       amqp.Table(msg.Headers),
			ContentType:   msg.ContentType,
			DeliveryMode:  deliveryMode,
			MessageId:     msg.MessageID,
			CorrelationId: msg.CorrelationID,
			Timestamp:     msg.Timestamp,
			Body:          msg.Body,
		},
	)
	if err != nil {
		return nil, &ChannelError{Op: "publish", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return conf, nil
}

// Destroy closes the channel. The watcher observes the graceful close and
// closes Released without a value.
func (c *exchangeChannel) Destroy(ctx context.Context) error {
	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		return &ChannelError{Op: "close", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Released yields at most one error when the broker revokes the channel, then
// is closed. A graceful Destroy closes it without a value.
func (c *exchangeChannel) Released() <-chan error {
	return c.released
}

// watch folds the channel-level close and cancel notifications into the
// one-shot released event.
func (c *exchangeChannel) watch(closes <-chan *amqp.Error, cancels <-chan string) {
	select {
	case err, ok := <-closes:
		if !ok || err == nil {
			close(c.released)
			return
		}
		c.logger.Warn("channel closed by broker", "channelId", c.id, "error", err)
		c.released <- &ChannelError{Op: "close notification", ChannelID: c.id, Err: err, Timestamp: time.Now()}
		close(c.released)

	case tag, ok := <-cancels:
		if !ok {
			close(c.released)
			return
		}
		c.logger.Warn("consumer cancelled by broker", "channelId", c.id, "tag", tag)
		c.released <- ErrChannelCancelled
		close(c.released)
	}
}
