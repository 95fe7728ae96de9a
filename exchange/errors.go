package exchange

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Option validation errors
	ErrNameRequired = errors.New("exchange: name is required")
	ErrUnknownKind  = errors.New("exchange: unknown exchange kind")

	// Lifecycle errors
	ErrPublishNacked   = errors.New("exchange: publish negatively acknowledged by broker")
	ErrDestroyed       = errors.New("exchange: destroyed")
	ErrChannelReleased = errors.New("exchange: channel released by broker")
)

// DefinitionError reports that the exchange could not be declared. The machine
// stores it as the failure cause and rejects pending and future calls with it
// until a reconnect triggers a fresh definition attempt.
type DefinitionError struct {
	Exchange  string    // Exchange name
	Err       error     // Underlying error
	Timestamp time.Time // When the definition failed
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("exchange %s: definition failed: %v", e.Exchange, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// PublishTimeoutError rejects a single publish whose confirmation did not
// arrive in time. It affects only that caller; machine state and other
// in-flight publishes are untouched.
type PublishTimeoutError struct {
	Exchange  string        // Exchange name
	Timeout   time.Duration // Effective timeout that elapsed
	Timestamp time.Time     // When the timer fired
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("exchange %s: publish timed out after %s", e.Exchange, e.Timeout)
}

// ReplayError reports that resending a previously unconfirmed message after a
// reconnect failed. The message is dropped and the machine still becomes
// ready; availability is chosen over guaranteed delivery.
type ReplayError struct {
	Exchange  string    // Exchange name
	MessageID string    // Message that could not be resent
	Err       error     // Underlying error
	Timestamp time.Time // When the resend failed
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("exchange %s: replay of message %s failed: %v", e.Exchange, e.MessageID, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
