package contracts

import (
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is applied by NewMessage when no content type is set.
const DefaultContentType = "application/octet-stream"

// Message is a single publishable message: payload bytes plus the broker
// metadata needed to route, persist and confirm it.
type Message struct {
	// RoutingKey selects the destination bindings on the exchange.
	RoutingKey string

	// Body is the raw payload. The library does not serialize; callers bring
	// their own encoding and set ContentType accordingly.
	Body []byte

	// ContentType describes the body encoding, e.g. "application/json".
	ContentType string

	// Headers are forwarded to the broker as message headers.
	Headers map[string]any

	// Persistent asks the broker to write the message to disk on durable queues.
	Persistent bool

	// Mandatory makes the broker return the message if it cannot be routed.
	Mandatory bool

	// MessageID identifies the message across retries and replays.
	MessageID string

	// CorrelationID links the message to a conversation or request.
	CorrelationID string

	// Timestamp records when the message was created.
	Timestamp time.Time

	// Timeout bounds the wait for broker confirmation for this publish only.
	// Zero falls back to the exchange publish timeout, then the connection
	// default. A negative value waits without bound.
	Timeout time.Duration
}

// NewMessage creates a persistent message with a generated MessageID, the
// default content type, and the current UTC timestamp.
func NewMessage(routingKey string, body []byte) Message {
	return Message{
		RoutingKey:  routingKey,
		Body:        body,
		ContentType: DefaultContentType,
		Persistent:  true,
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now().UTC(),
	}
}

// WithHeader returns a copy of the message with the header set. The header map
// is copied so messages already snapshotted for replay are unaffected.
func (m Message) WithHeader(key string, value any) Message {
	headers := make(map[string]any, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}

// WithCorrelationID returns a copy of the message with the correlation ID set.
func (m Message) WithCorrelationID(id string) Message {
	m.CorrelationID = id
	return m
}

// WithTimeout returns a copy of the message with the per-publish confirmation
// timeout set.
func (m Message) WithTimeout(timeout time.Duration) Message {
	m.Timeout = timeout
	return m
}
