// Copyright 2024 Warren Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package warren

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warrenmq/warren-go/contracts"
	"github.com/warrenmq/warren-go/exchange"
	"github.com/warrenmq/warren-go/internal/rabbitmq"
	"github.com/warrenmq/warren-go/internal/reliability"
)

const defaultReassertTimeout = 30 * time.Second

// Queue describes a queue declaration.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]any
}

// Binding describes a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  map[string]any
}

type clientConfig struct {
	logger         *slog.Logger
	connectionName string
	publishTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	connectRetries int
	connectDelay   time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger for the client and every component it
// wires. Defaults to slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithConnectionName names the broker connection for logs and the broker's
// connection listing.
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithPublishTimeout sets the connection-level default confirmation timeout,
// used when neither the message nor the exchange options carry one.
func WithPublishTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishTimeout = timeout
	}
}

// WithReconnectDelay sets the initial redial delay after a connection loss.
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxReconnectRetries bounds redial attempts per disconnection. Negative
// means retry forever, which is the default.
func WithMaxReconnectRetries(retries int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRetries = retries
	}
}

// WithConnectRetry makes the initial Connect retry up to retries times with
// exponential backoff starting at delay, instead of failing on the first
// dial error.
func WithConnectRetry(retries int, delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectRetries = retries
		cfg.connectDelay = delay
	}
}

// Client wires the connection manager, topology manager and channel factory
// together and hands out one exchange lifecycle machine per exchange name.
type Client struct {
	logger         *slog.Logger
	manager        *rabbitmq.ConnectionManager
	topology       *rabbitmq.TopologyManager
	factory        *rabbitmq.ChannelFactory
	hub            *reconnectHub
	publishTimeout time.Duration
	removeHandler  func()

	mu       sync.Mutex
	machines map[string]*exchange.Machine
	closed   bool
}

// Connect dials the broker and returns a usable client. The connection is
// redialed automatically for the client's whole lifetime; Connect itself
// fails fast unless WithConnectRetryPolicy is set.
func Connect(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectionName: "warren",
		maxRetries:     -1,
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithConnectionName(cfg.connectionName),
		rabbitmq.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.reconnectDelay > 0 {
		connOpts = append(connOpts, rabbitmq.WithReconnectDelay(cfg.reconnectDelay))
	}
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	connect := func() error { return manager.Connect(ctx) }
	var err error
	if cfg.connectRetries > 0 {
		policy := reliability.NewExponentialBackoff(cfg.connectDelay, 30*time.Second, 2.0, cfg.connectRetries)
		err = reliability.Retry(ctx, policy, connect)
	} else {
		err = connect()
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:         cfg.logger,
		manager:        manager,
		topology:       rabbitmq.NewTopologyManager(manager, cfg.logger),
		factory:        rabbitmq.NewChannelFactory(manager),
		hub:            newReconnectHub(cfg.connectionName),
		publishTimeout: cfg.publishTimeout,
		machines:       make(map[string]*exchange.Machine),
	}

	// One manager subscription for the whole client: machines hear about the
	// reconnect first, then the topology is re-asserted and announces
	// bindings-completed. That ordering is what lets a machine that was
	// holding unconfirmed messages replay them instead of waiting for a
	// bindings event that already passed.
	c.removeHandler = manager.OnReconnected(func() {
		c.hub.notify()

		ctx, cancel := context.WithTimeout(context.Background(), defaultReassertTimeout)
		defer cancel()
		if err := c.topology.Reassert(ctx); err != nil {
			c.logger.Error("topology reassertion failed, replay waits for the next reconnect", "error", err)
		}
	})

	return c, nil
}

// DeclareExchange builds (or returns the existing) lifecycle machine for the
// exchange and records the declaration for post-reconnect reassertion. The
// returned error reflects the first definition attempt; the machine stays
// live and keeps recovering even when it is non-nil.
func (c *Client) DeclareExchange(ctx context.Context, opts exchange.Options) (*exchange.Machine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, exchange.ErrDestroyed
	}
	if m, ok := c.machines[opts.Name]; ok {
		c.mu.Unlock()
		return m, nil
	}

	machine, err := exchange.NewMachine(opts, c.factory, c.hub, c.topology,
		exchange.WithLogger(c.logger),
		exchange.WithDefaultPublishTimeout(c.publishTimeout),
	)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.machines[opts.Name] = machine
	c.mu.Unlock()

	c.topology.RecordExchange(opts)

	return machine, machine.Check(ctx)
}

// Exchange returns the machine for a previously declared exchange.
func (c *Client) Exchange(name string) (*exchange.Machine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.machines[name]
	return m, ok
}

// Publish sends msg through the named exchange and waits for the broker
// confirmation.
func (c *Client) Publish(ctx context.Context, exchangeName string, msg contracts.Message) error {
	machine, ok := c.Exchange(exchangeName)
	if !ok {
		return fmt.Errorf("warren: exchange %q not declared", exchangeName)
	}
	return machine.Publish(ctx, msg)
}

// Check probes the readiness of the named exchange.
func (c *Client) Check(ctx context.Context, exchangeName string) error {
	machine, ok := c.Exchange(exchangeName)
	if !ok {
		return fmt.Errorf("warren: exchange %q not declared", exchangeName)
	}
	return machine.Check(ctx)
}

// DeclareQueue declares the queue now and re-asserts it after reconnects.
func (c *Client) DeclareQueue(ctx context.Context, queue Queue) error {
	return c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       queue.Name,
		Durable:    queue.Durable,
		AutoDelete: queue.AutoDelete,
		Exclusive:  queue.Exclusive,
		Arguments:  queue.Arguments,
	})
}

// BindQueue creates the binding now and re-asserts it after reconnects.
func (c *Client) BindQueue(ctx context.Context, binding Binding) error {
	return c.topology.BindQueue(ctx, rabbitmq.BindingDeclaration{
		Queue:      binding.Queue,
		Exchange:   binding.Exchange,
		RoutingKey: binding.RoutingKey,
		Arguments:  binding.Arguments,
	})
}

// Name identifies the underlying connection in logs and health reports.
func (c *Client) Name() string {
	return c.manager.Name()
}

// IsConnected reports whether the broker connection is currently live.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// Close destroys every exchange machine and closes the connection. The
// client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	machines := make([]*exchange.Machine, 0, len(c.machines))
	names := make([]string, 0, len(c.machines))
	for name := range c.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		machines = append(machines, c.machines[name])
	}
	c.mu.Unlock()

	if c.removeHandler != nil {
		c.removeHandler()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, machine := range machines {
		if err := machine.Destroy(ctx); err != nil {
			c.logger.Warn("destroying exchange failed during close",
				"exchange", machine.Name(), "error", err)
		}
	}

	return c.manager.Close()
}

// reconnectHub fans the manager's reconnected notification out to exchange
// machines. It exists so the client controls ordering between machine
// notification and topology reassertion.
type reconnectHub struct {
	name string

	mu       sync.Mutex
	nextID   int
	handlers map[int]func()
}

func newReconnectHub(name string) *reconnectHub {
	return &reconnectHub{name: name, handlers: make(map[int]func())}
}

// Name implements exchange.ConnectionSource.
func (h *reconnectHub) Name() string {
	return h.name
}

// OnReconnected implements exchange.ConnectionSource.
func (h *reconnectHub) OnReconnected(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

func (h *reconnectHub) notify() {
	h.mu.Lock()
	ids := make([]int, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
