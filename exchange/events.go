package exchange

import "sync"

// State identifies a phase of the exchange lifecycle.
type State int

const (
	StateSetup State = iota
	StateInitializing
	StateReady
	StateFailed
	StateReconnecting
	StateReconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnected:
		return "reconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Listener observes exchange lifecycle events. Callbacks run sequentially on
// the machine's notifier goroutine, in emission order, and may call back into
// the machine.
type Listener interface {
	// OnDefined fires when the exchange is declared and usable, on first
	// definition and again after every successful redefinition.
	OnDefined()

	// OnFailed fires when a definition attempt is rejected, and again for
	// each publish attempted while the machine stays failed.
	OnFailed(cause error)

	// OnDestroyed fires when the machine tears down its channel, and again
	// for destroy calls on an already-destroyed machine.
	OnDestroyed()

	// OnTransition fires for every state change.
	OnTransition(from, to State)
}

type eventKind int

const (
	eventDefined eventKind = iota
	eventFailed
	eventDestroyed
	eventTransition
)

type event struct {
	kind  eventKind
	cause error
	from  State
	to    State
}

// listenerSet is the machine's listener registry. Registration is guarded by
// a mutex so callers may add and remove listeners while the machine runs.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, registered := range s.listeners {
		if registered == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *listenerSet) dispatch(e event) {
	for _, l := range s.snapshot() {
		switch e.kind {
		case eventDefined:
			l.OnDefined()
		case eventFailed:
			l.OnFailed(e.cause)
		case eventDestroyed:
			l.OnDestroyed()
		case eventTransition:
			l.OnTransition(e.from, e.to)
		}
	}
}
