package exchange

import (
	"context"
	"log/slog"

	"github.com/warrenmq/warren-go/contracts"
)

// Confirmation is the broker's pending acknowledgment of one published
// message.
type Confirmation interface {
	// Done is closed once the broker settles the publish.
	Done() <-chan struct{}

	// Acked reports whether the broker accepted the message. Only valid
	// after Done is closed.
	Acked() bool
}

// Channel is a live binding of an exchange definition to one connection
// attempt. The machine owns exactly one channel at a time and replaces it,
// never reuses it, on every reconnect or release.
type Channel interface {
	// Define declares the exchange on the broker.
	Define(ctx context.Context) error

	// Publish sends the message and returns its pending confirmation.
	Publish(ctx context.Context, msg contracts.Message) (Confirmation, error)

	// Destroy tears the channel down. Safe to call on an already-dead
	// channel.
	Destroy(ctx context.Context) error

	// Released yields at most one error when the broker revokes the channel,
	// then is closed. It is closed without a value on graceful Destroy.
	Released() <-chan error
}

// ChannelFactory produces channels bound to the current connection attempt.
// The machine calls Create on every entry into initializing or reconnecting.
type ChannelFactory interface {
	Create(ctx context.Context, opts Options, logger *slog.Logger) (Channel, error)
}

// ConnectionSource is the connection-side collaborator: it names the
// connection for logging and announces re-established transport.
type ConnectionSource interface {
	// Name identifies the connection in logs.
	Name() string

	// OnReconnected registers fn to run after the underlying transport is
	// re-established. The returned func removes the registration.
	OnReconnected(fn func()) (remove func())
}

// BindingSource is the topology-side collaborator: it announces that all
// declared bindings for this process are (re)established on the broker, so
// replayed messages are routable.
type BindingSource interface {
	// OnBindingsCompleted registers fn to run after bindings are in place.
	// The returned func removes the registration.
	OnBindingsCompleted(fn func()) (remove func())
}
