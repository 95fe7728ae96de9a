package rabbitmq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warrenmq/warren-go/internal/reliability"
)

const defaultConnectTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the RabbitMQ connection and redials it when the
// broker drops it. Exchange machines subscribe through OnReconnected and are
// only told about a loss once a fresh connection is usable again.
type ConnectionManager struct {
	url            string
	name           string
	backoff        reliability.RetryPolicy
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener

	handlersMu        sync.Mutex
	nextHandlerID     int
	reconnectHandlers map[int]func()
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithConnectionName names the connection, both for logs and for the broker's
// connection listing.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithReconnectDelay sets the initial redial delay. Later attempts back off
// exponentially from it, capped at five minutes.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = reliability.NewExponentialBackoff(delay, 5*time.Minute, 2.0, 0)
	}
}

// WithBackoffPolicy replaces the redial pacing policy entirely.
func WithBackoffPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if policy != nil {
			cm.backoff = policy
		}
	}
}

// WithMaxRetries bounds the number of redial attempts per disconnection.
// Negative means retry forever, which is the default.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds each dial attempt. Defaults to 30s.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a manager for the given AMQP URL. The
// connection is not dialed until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		name:              "warren",
		backoff:           reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, 0),
		maxRetries:        -1,
		connectTimeout:    defaultConnectTimeout,
		logger:            slog.Default(),
		done:              make(chan struct{}),
		reconnectHandlers: make(map[int]func()),
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("connection", cm.name)

	return cm
}

// Name identifies the connection in logs.
func (cm *ConnectionManager) Name() string {
	return cm.name
}

// Connect establishes the initial connection and starts the redial watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.watch()

	return nil
}

// dial attempts a single connection, bounded by the connect timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx := ctx
	if cm.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cm.connectTimeout)
		defer cancel()
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Properties: amqp.Table{"connection_name": cm.name},
		})
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		default:
			// Dial won the race after the timeout already fired.
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	case <-cm.done:
		return nil, ErrConnectionClosed
	}
}

// adopt installs the new connection. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
}

// GetConnection returns the current live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is installed.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts the manager down and closes the connection. The manager cannot
// be reused afterwards.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closeOnce.Do(func() { close(cm.done) })

	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// watch waits for the connection to drop and runs the redial loop.
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notifyClose:
			if !ok || err == nil {
				// Graceful close through Close.
				return
			}
			cm.logger.Error("connection lost", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

			if !cm.redial() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// redial re-establishes the connection, paced by the backoff policy. It
// reports whether a connection was installed.
func (cm *ConnectionManager) redial() bool {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return false
		default:
		}

		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return false
		}

		if attempt > 0 {
			delay := cm.backoff.NextDelay(attempt - 1)
			cm.logger.Info("waiting before reconnect attempt",
				"attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return false
			}
		}

		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))

		cm.notifyConnected()
		cm.notifyReconnected()
		return true
	}
}

// AddStateListener adds a connection state listener.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener.
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// OnReconnected registers fn to run after the connection is re-established.
// The returned func removes the registration.
func (cm *ConnectionManager) OnReconnected(fn func()) func() {
	cm.handlersMu.Lock()
	defer cm.handlersMu.Unlock()

	id := cm.nextHandlerID
	cm.nextHandlerID++
	cm.reconnectHandlers[id] = fn

	return func() {
		cm.handlersMu.Lock()
		defer cm.handlersMu.Unlock()
		delete(cm.reconnectHandlers, id)
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// notifyReconnected runs the reconnect handlers in registration order on one
// goroutine. Handlers that need the new connection dispatch their own work.
func (cm *ConnectionManager) notifyReconnected() {
	cm.handlersMu.Lock()
	ids := make([]int, 0, len(cm.reconnectHandlers))
	for id := range cm.reconnectHandlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, cm.reconnectHandlers[id])
	}
	cm.handlersMu.Unlock()

	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}
