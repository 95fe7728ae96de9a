package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/warrenmq/warren-go/contracts"
)

const defaultDefineTimeout = 30 * time.Second

type action func()

// Machine is the exchange lifecycle state machine. It owns one channel at a
// time and tracks sent-but-unconfirmed messages in a PublishLog. Calls issued
// between usable states are deferred; unconfirmed messages are replayed after
// a reconnect once bindings are re-established.
type Machine struct {
	opts     Options
	factory  ChannelFactory
	conn     ConnectionSource
	bindings BindingSource
	logger   *slog.Logger

	defaultPublishTimeout time.Duration
	defineTimeout         time.Duration

	actions   *fifo[action]
	events    *fifo[event]
	listeners listenerSet
	log       *PublishLog
	stateVal  atomic.Int32

	// Everything below is owned by the run loop.
	state          State
	cause          error
	channel        Channel
	gen            uint64
	pending        map[*completion]struct{}
	deferred       map[State][]action
	confirmWaiters map[string]*completion
	subscriptions  []func()
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaultPublishTimeout sets the connection-level fallback confirmation
// timeout, used when neither the message nor the exchange options carry one.
func WithDefaultPublishTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.defaultPublishTimeout = d
	}
}

// WithDefineTimeout bounds channel creation plus exchange declaration per
// attempt. Defaults to 30s; zero or negative removes the bound.
func WithDefineTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.defineTimeout = d
	}
}

// WithListener registers a lifecycle listener before the machine starts, so
// the initial transitions are observed too.
func WithListener(l Listener) MachineOption {
	return func(m *Machine) {
		m.listeners.add(l)
	}
}

// NewMachine validates opts, subscribes to the collaborator events and starts
// the lifecycle. The machine leaves setup for initializing immediately and is
// usable right away; calls issued before the exchange is defined are deferred
// until it is.
func NewMachine(opts Options, factory ChannelFactory, conn ConnectionSource, bindings BindingSource, machineOpts ...MachineOption) (*Machine, error) {
	if factory == nil {
		return nil, errors.New("exchange: channel factory is required")
	}
	if conn == nil {
		return nil, errors.New("exchange: connection source is required")
	}
	if bindings == nil {
		return nil, errors.New("exchange: binding source is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		opts:           opts,
		factory:        factory,
		conn:           conn,
		bindings:       bindings,
		logger:         slog.Default(),
		defineTimeout:  defaultDefineTimeout,
		actions:        newFIFO[action](),
		events:         newFIFO[event](),
		log:            NewPublishLog(),
		state:          StateSetup,
		pending:        make(map[*completion]struct{}),
		deferred:       make(map[State][]action),
		confirmWaiters: make(map[string]*completion),
	}
	for _, opt := range machineOpts {
		opt(m)
	}
	m.logger = m.logger.With("exchange", opts.Name, "connection", conn.Name())
	m.stateVal.Store(int32(StateSetup))

	go m.run()
	go m.notify()

	m.dispatch(func() {
		m.subscribe()
		m.transition(StateInitializing)
	})
	return m, nil
}

// Publish sends msg through the exchange. It returns nil once the broker
// confirms the message, or an error when the publish is rejected, nacked or
// timed out. While the exchange is initializing or reconnecting the call is
// deferred until it is ready; while it is failed the call is rejected with
// the stored cause; on a destroyed exchange the call revives the machine and
// is deferred until ready.
//
// The confirmation wait is bounded by msg.Timeout, falling back to the
// exchange PublishTimeout, then the connection default; a timed-out publish
// rejects only this caller, and the message stays in the unconfirmed log
// because its fate is unknown. Cancelling ctx abandons the wait locally
// without affecting the machine.
func (m *Machine) Publish(ctx context.Context, msg contracts.Message) error {
	c := newCompletion()
	if timeout := m.effectiveTimeout(msg); timeout > 0 {
		c.armTimeout(time.AfterFunc(timeout, func() {
			c.settle(&PublishTimeoutError{Exchange: m.opts.Name, Timeout: timeout, Timestamp: time.Now()})
		}))
	}
	m.dispatch(func() { m.handlePublish(c, msg) })
	return c.wait(ctx)
}

// Check is a readiness probe: it resolves once the exchange is ready and
// rejects with the stored cause while it is failed. It never touches the
// unconfirmed log. On non-terminal states the probe waits for the machine to
// become ready, bounded only by ctx.
func (m *Machine) Check(ctx context.Context) error {
	c := newCompletion()
	m.dispatch(func() { m.handleCheck(c) })
	return c.wait(ctx)
}

// Destroy tears down the exchange channel and releases the collaborator
// subscriptions. It is idempotent from the caller's perspective: destroying
// an already-destroyed machine resolves immediately. Messages still
// unconfirmed at destruction are dropped with a warning and are not retried.
func (m *Machine) Destroy(ctx context.Context) error {
	c := newCompletion()
	m.dispatch(func() { m.handleDestroy(c) })
	return c.wait(ctx)
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	return State(m.stateVal.Load())
}

// Unconfirmed reports how many sent messages still await broker confirmation.
func (m *Machine) Unconfirmed() int {
	return m.log.Count()
}

// Name returns the exchange name.
func (m *Machine) Name() string {
	return m.opts.Name
}

// Options returns a copy of the exchange options.
func (m *Machine) Options() Options {
	return m.opts
}

// AddListener registers a lifecycle listener.
func (m *Machine) AddListener(l Listener) {
	m.listeners.add(l)
}

// RemoveListener removes a previously registered listener.
func (m *Machine) RemoveListener(l Listener) {
	m.listeners.remove(l)
}

// run executes machine actions one at a time for the life of the process. A
// destroyed machine keeps its loop so a later publish can revive it.
func (m *Machine) run() {
	for {
		m.actions.pop()()
	}
}

// notify delivers lifecycle events to listeners in emission order, off the
// run loop so listeners can call back into the machine.
func (m *Machine) notify() {
	for {
		m.listeners.dispatch(m.events.pop())
	}
}

func (m *Machine) dispatch(fn action) {
	m.actions.push(fn)
}

func (m *Machine) emit(e event) {
	m.events.push(e)
}

func (m *Machine) subscribe() {
	removeReconnect := m.conn.OnReconnected(func() {
		m.dispatch(m.handleReconnected)
	})
	removeBindings := m.bindings.OnBindingsCompleted(func() {
		m.dispatch(m.handleBindingsCompleted)
	})
	m.subscriptions = append(m.subscriptions, removeReconnect, removeBindings)
}

func (m *Machine) releaseSubscriptions() {
	for _, remove := range m.subscriptions {
		remove()
	}
	m.subscriptions = nil
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.stateVal.Store(int32(to))
	m.logger.Debug("exchange state changed", "from", from, "to", to)
	m.emit(event{kind: eventTransition, from: from, to: to})
	m.enter(to)
	m.drain(to)
}

func (m *Machine) enter(to State) {
	switch to {
	case StateInitializing, StateReconnecting:
		m.openChannel()
	case StateReady:
		m.emit(event{kind: eventDefined})
	case StateReconnected:
		m.emit(event{kind: eventDefined})
		if m.log.Count() == 0 {
			// Nothing to replay, so there is nothing to gate on bindings
			// being re-established. This also lets a machine revived from
			// destroyed reach ready without a connection-level recovery.
			m.transition(StateReady)
		}
	case StateFailed:
		m.emit(event{kind: eventFailed, cause: m.cause})
		m.retireChannel()
		m.rejectAll(m.cause)
	case StateDestroyed:
		m.releaseSubscriptions()
		if dropped := m.log.Reset(); len(dropped) > 0 {
			m.logger.Warn("destroying exchange with unconfirmed messages, they will not be retried",
				"count", len(dropped))
		}
		for id, c := range m.confirmWaiters {
			delete(m.confirmWaiters, id)
			m.settlePending(c, ErrDestroyed)
		}
		m.retireChannel()
		m.emit(event{kind: eventDestroyed})
	}
}

// deferUntil queues op to be re-invoked once the machine enters the target
// state. Submission order is preserved.
func (m *Machine) deferUntil(target State, op action) {
	m.deferred[target] = append(m.deferred[target], op)
}

func (m *Machine) drain(to State) {
	ops := m.deferred[to]
	if len(ops) == 0 {
		return
	}
	delete(m.deferred, to)
	m.logger.Debug("replaying deferred calls", "state", to, "count", len(ops))
	for _, op := range ops {
		op()
	}
}

// fail stores the cause and moves the machine to failed, rejecting every
// pending caller with that cause.
func (m *Machine) fail(cause error) {
	m.cause = cause
	m.logger.Error("exchange failed", "error", cause)
	m.transition(StateFailed)
}

func (m *Machine) rejectAll(cause error) {
	if len(m.pending) > 0 {
		m.logger.Debug("rejecting deferred callers", "count", len(m.pending))
	}
	for c := range m.pending {
		c.settle(cause)
	}
	m.pending = make(map[*completion]struct{})
	m.confirmWaiters = make(map[string]*completion)
	m.deferred = make(map[State][]action)
}

// openChannel retires the current channel and starts a fresh create+define
// attempt in the background. The attempt is tagged with the new channel
// generation; completions from superseded attempts are ignored.
func (m *Machine) openChannel() {
	m.retireChannel()
	gen := m.gen
	go func() {
		ctx := context.Background()
		if m.defineTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.defineTimeout)
			defer cancel()
		}
		ch, err := m.factory.Create(ctx, m.opts, m.logger)
		if err == nil {
			if defineErr := ch.Define(ctx); defineErr != nil {
				_ = ch.Destroy(context.Background())
				ch, err = nil, defineErr
			}
		}
		m.dispatch(func() { m.defineDone(gen, ch, err) })
	}()
}

// retireChannel bumps the channel generation, orphaning confirmation waiters
// and release watchers bound to the old channel, and tears the channel down
// in the background.
func (m *Machine) retireChannel() {
	m.gen++
	if m.channel == nil {
		return
	}
	ch := m.channel
	m.channel = nil
	go func() {
		_ = ch.Destroy(context.Background())
	}()
}

func (m *Machine) defineDone(gen uint64, ch Channel, err error) {
	stale := gen != m.gen || (m.state != StateInitializing && m.state != StateReconnecting)
	if stale {
		if ch != nil {
			go func() {
				_ = ch.Destroy(context.Background())
			}()
		}
		return
	}
	if err != nil {
		m.fail(&DefinitionError{Exchange: m.opts.Name, Err: err, Timestamp: time.Now()})
		return
	}
	m.channel = ch
	m.cause = nil
	go m.watchReleased(gen, ch)
	if m.state == StateInitializing {
		m.transition(StateReady)
	} else {
		m.transition(StateReconnected)
	}
}

func (m *Machine) watchReleased(gen uint64, ch Channel) {
	err, ok := <-ch.Released()
	if !ok {
		return
	}
	if err == nil {
		err = ErrChannelReleased
	}
	m.dispatch(func() { m.handleReleased(gen, err) })
}

func (m *Machine) handleReleased(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if m.state != StateReady && m.state != StateReconnected {
		return
	}
	m.logger.Warn("channel released by broker, redefining exchange", "error", err)
	m.transition(StateInitializing)
}

func (m *Machine) handleReconnected() {
	switch m.state {
	case StateReady, StateFailed, StateReconnected:
		m.logger.Info("connection re-established, redefining exchange")
		m.transition(StateReconnecting)
	case StateInitializing, StateReconnecting:
		// A definition attempt is in flight on a connection that may be gone.
		// Restart it on the fresh connection; the generation counter orphans
		// the old attempt.
		m.openChannel()
	case StateDestroyed:
		// Subscriptions are released on destroy; a stray event is ignored.
	}
}

func (m *Machine) handleBindingsCompleted() {
	switch m.state {
	case StateReconnected:
		m.republish()
		m.transition(StateReady)
	case StateReconnecting:
		// Bindings finished before our own definition round-trip. Hold the
		// event so replay still runs once the new channel is up.
		m.deferUntil(StateReconnected, m.handleBindingsCompleted)
	}
}

func (m *Machine) handlePublish(c *completion, msg contracts.Message) {
	if c.isSettled() {
		delete(m.pending, c)
		return
	}
	m.pending[c] = struct{}{}
	switch m.state {
	case StateReady:
		m.send(c, msg)
	case StateFailed:
		m.emit(event{kind: eventFailed, cause: m.cause})
		m.settlePending(c, m.cause)
	case StateDestroyed:
		m.logger.Info("publish on destroyed exchange, reviving")
		m.deferUntil(StateReady, func() { m.handlePublish(c, msg) })
		m.subscribe()
		m.transition(StateReconnecting)
	default:
		m.deferUntil(StateReady, func() { m.handlePublish(c, msg) })
	}
}

func (m *Machine) handleCheck(c *completion) {
	if c.isSettled() {
		delete(m.pending, c)
		return
	}
	m.pending[c] = struct{}{}
	switch m.state {
	case StateReady:
		m.settlePending(c, nil)
	case StateFailed:
		m.settlePending(c, m.cause)
	default:
		m.deferUntil(StateReady, func() { m.handleCheck(c) })
	}
}

func (m *Machine) handleDestroy(c *completion) {
	if c.isSettled() {
		delete(m.pending, c)
		return
	}
	m.pending[c] = struct{}{}
	switch m.state {
	case StateDestroyed:
		m.emit(event{kind: eventDestroyed})
		m.settlePending(c, nil)
	case StateReady:
		m.deferUntil(StateDestroyed, func() { m.settlePending(c, nil) })
		m.transition(StateDestroyed)
	default:
		m.deferUntil(StateReady, func() { m.handleDestroy(c) })
	}
}

// send hands msg to the current channel, records it in the unconfirmed log
// and starts the confirmation waiter. Runs only in ready.
func (m *Machine) send(c *completion, msg contracts.Message) {
	conf, err := m.channel.Publish(context.Background(), msg)
	if err != nil {
		m.settlePending(c, err)
		return
	}
	entry := Entry{ID: uuid.New().String(), Message: msg, SentAt: time.Now()}
	m.log.Append(entry)
	m.confirmWaiters[entry.ID] = c
	go m.awaitConfirm(m.gen, entry.ID, conf)
}

func (m *Machine) awaitConfirm(gen uint64, id string, conf Confirmation) {
	<-conf.Done()
	acked := conf.Acked()
	m.dispatch(func() { m.confirmDone(gen, id, acked) })
}

func (m *Machine) confirmDone(gen uint64, id string, acked bool) {
	if gen != m.gen {
		// Orphaned confirmation from a replaced channel. The entry's fate is
		// decided by replay, not by a signal from a dead channel.
		return
	}
	m.log.Confirm(id)
	c, ok := m.confirmWaiters[id]
	if !ok {
		return
	}
	delete(m.confirmWaiters, id)
	if acked {
		m.settlePending(c, nil)
	} else {
		m.settlePending(c, ErrPublishNacked)
	}
}

// republish drains the unconfirmed log and resends every entry, in append
// order, on the new channel. A resend failure rejects the original caller and
// drops the message; the machine becomes ready regardless.
func (m *Machine) republish() {
	entries := m.log.Reset()
	if len(entries) == 0 {
		return
	}
	m.logger.Info("replaying unconfirmed messages", "count", len(entries))
	for _, entry := range entries {
		conf, err := m.channel.Publish(context.Background(), entry.Message)
		if err != nil {
			m.logger.Error("replay failed, message dropped",
				"messageId", entry.Message.MessageID, "error", err)
			if c, ok := m.confirmWaiters[entry.ID]; ok {
				delete(m.confirmWaiters, entry.ID)
				m.settlePending(c, &ReplayError{
					Exchange:  m.opts.Name,
					MessageID: entry.Message.MessageID,
					Err:       err,
					Timestamp: time.Now(),
				})
			}
			continue
		}
		m.log.Append(Entry{ID: entry.ID, Message: entry.Message, SentAt: time.Now()})
		go m.awaitConfirm(m.gen, entry.ID, conf)
	}
}

func (m *Machine) settlePending(c *completion, err error) {
	c.settle(err)
	delete(m.pending, c)
}

// effectiveTimeout resolves the confirmation timeout chain: per-message, then
// exchange options, then connection default. The first negative value stops
// the chain and means unbounded; zero means unbounded only if nothing else in
// the chain is set.
func (m *Machine) effectiveTimeout(msg contracts.Message) time.Duration {
	for _, t := range []time.Duration{msg.Timeout, m.opts.PublishTimeout, m.defaultPublishTimeout} {
		if t < 0 {
			return 0
		}
		if t > 0 {
			return t
		}
	}
	return 0
}
