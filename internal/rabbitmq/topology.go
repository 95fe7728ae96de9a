package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warrenmq/warren-go/exchange"
)

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]any
}

// BindingDeclaration defines a queue-to-exchange binding.
type BindingDeclaration struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  map[string]any
}

// TopologyManager records every exchange, queue and binding this process
// declares and re-asserts all of them, in dependency order, after each
// reconnect. Once the bindings are back in place it announces
// bindings-completed, which is what lets exchange machines replay unconfirmed
// messages knowing they are routable.
type TopologyManager struct {
	manager *ConnectionManager
	logger  *slog.Logger

	mu        sync.Mutex
	exchanges []exchange.Options
	queues    []QueueDeclaration
	bindings  []BindingDeclaration

	handlersMu    sync.Mutex
	nextHandlerID int
	handlers      map[int]func()
}

// NewTopologyManager creates a topology manager on top of the connection
// manager.
func NewTopologyManager(manager *ConnectionManager, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		manager:  manager,
		logger:   logger,
		handlers: make(map[int]func()),
	}
}

// RecordExchange registers an exchange for re-assertion without declaring it.
// Used for exchanges whose declaration is owned by their lifecycle machine.
func (tm *TopologyManager) RecordExchange(opts exchange.Options) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, existing := range tm.exchanges {
		if existing.Name == opts.Name {
			return
		}
	}
	tm.exchanges = append(tm.exchanges, opts)
}

// DeclareQueue declares the queue now and records it for re-assertion.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	if err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		return declareQueue(ch, queue)
	}); err != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.queues = append(tm.queues, queue)
	return nil
}

// BindQueue creates the binding now and records it for re-assertion.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding BindingDeclaration) error {
	if err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		return bindQueue(ch, binding)
	}); err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.bindings = append(tm.bindings, binding)
	return nil
}

// Reassert redeclares everything recorded, exchanges first, then queues, then
// bindings, and announces bindings-completed on success. Called after each
// reconnect; a failure is logged by the caller and retried on the next
// reconnect.
func (tm *TopologyManager) Reassert(ctx context.Context) error {
	tm.mu.Lock()
	exchanges := make([]exchange.Options, len(tm.exchanges))
	copy(exchanges, tm.exchanges)
	queues := make([]QueueDeclaration, len(tm.queues))
	copy(queues, tm.queues)
	bindings := make([]BindingDeclaration, len(tm.bindings))
	copy(bindings, tm.bindings)
	tm.mu.Unlock()

	err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			if err := declareExchange(ch, ex); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "redeclare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range queues {
			if err := declareQueue(ch, q); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "redeclare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range bindings {
			if err := bindQueue(ch, b); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue, Op: "rebind", Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTopologyDeclarationFailed, err)
	}

	tm.logger.Info("topology re-asserted",
		"exchanges", len(exchanges), "queues", len(queues), "bindings", len(bindings))
	tm.notifyBindingsCompleted()
	return nil
}

// OnBindingsCompleted registers fn to run after bindings are (re)established.
// The returned func removes the registration.
func (tm *TopologyManager) OnBindingsCompleted(fn func()) func() {
	tm.handlersMu.Lock()
	defer tm.handlersMu.Unlock()

	id := tm.nextHandlerID
	tm.nextHandlerID++
	tm.handlers[id] = fn

	return func() {
		tm.handlersMu.Lock()
		defer tm.handlersMu.Unlock()
		delete(tm.handlers, id)
	}
}

func (tm *TopologyManager) notifyBindingsCompleted() {
	tm.handlersMu.Lock()
	ids := make([]int, 0, len(tm.handlers))
	for id := range tm.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, tm.handlers[id])
	}
	tm.handlersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// withChannel runs fn on a short-lived channel from the current connection.
func (tm *TopologyManager) withChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	conn, err := tm.manager.GetConnection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ch)
}

func declareExchange(ch *amqp.Channel, opts exchange.Options) error {
	args := amqp.Table{}
	for k, v := range opts.Arguments {
		args[k] = v
	}
	if opts.AlternateExchange != "" {
		args["alternate-exchange"] = opts.AlternateExchange
	}
	if len(args) == 0 {
		args = nil
	}
	return ch.ExchangeDeclare(
		opts.Name,
		string(opts.Kind),
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		false, // no-wait
		args,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		amqp.Table(queue.Arguments),
	)
	return err
}

func bindQueue(ch *amqp.Channel, binding BindingDeclaration) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		amqp.Table(binding.Arguments),
	)
}
