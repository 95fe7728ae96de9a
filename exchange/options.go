package exchange

import (
	"fmt"
	"time"
)

// Kind is the broker exchange type.
type Kind string

const (
	KindDirect  Kind = "direct"
	KindFanout  Kind = "fanout"
	KindTopic   Kind = "topic"
	KindHeaders Kind = "headers"
)

// Options describes an exchange. Immutable once handed to NewMachine.
type Options struct {
	// Name identifies the exchange on the broker.
	Name string

	// Kind is the routing behavior: direct, fanout, topic or headers.
	Kind Kind

	// Durable exchanges survive broker restarts.
	Durable bool

	// AutoDelete exchanges are removed once the last binding is dropped.
	AutoDelete bool

	// Internal exchanges accept messages only from other exchanges.
	Internal bool

	// AlternateExchange receives messages this exchange cannot route.
	AlternateExchange string

	// Arguments are passed through to the broker on declaration.
	Arguments map[string]any

	// PublishTimeout is the default wait for broker confirmation of a
	// publish. Zero falls back to the connection-level default; a negative
	// value waits without bound.
	PublishTimeout time.Duration
}

// NewOptions returns durable options for the named exchange.
func NewOptions(name string, kind Kind) Options {
	return Options{
		Name:    name,
		Kind:    kind,
		Durable: true,
	}
}

// Validate reports whether the options can describe a declarable exchange.
func (o Options) Validate() error {
	if o.Name == "" {
		return ErrNameRequired
	}
	switch o.Kind {
	case KindDirect, KindFanout, KindTopic, KindHeaders:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
}
