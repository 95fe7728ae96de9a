package monitor

import (
	"sync"
	"time"

	"github.com/warrenmq/warren-go/exchange"
)

// TransitionRecorder is an exchange.Listener that keeps in-memory counts of
// lifecycle activity for one machine. Attach it with machine.AddListener and
// read it from a health endpoint or a diagnostics command.
type TransitionRecorder struct {
	mu sync.RWMutex

	transitions map[string]int64 // "from->to" counts
	defined     int64
	destroyed   int64
	failures    int64
	lastFailure error
	lastChange  time.Time
	current     exchange.State
}

// TransitionSnapshot is a point-in-time copy of the recorder's counters.
type TransitionSnapshot struct {
	Transitions map[string]int64
	Defined     int64
	Destroyed   int64
	Failures    int64
	LastFailure error
	LastChange  time.Time
	Current     exchange.State
}

// NewTransitionRecorder creates an empty recorder.
func NewTransitionRecorder() *TransitionRecorder {
	return &TransitionRecorder{
		transitions: make(map[string]int64),
	}
}

// OnDefined implements exchange.Listener.
func (r *TransitionRecorder) OnDefined() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defined++
}

// OnFailed implements exchange.Listener.
func (r *TransitionRecorder) OnFailed(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastFailure = cause
}

// OnDestroyed implements exchange.Listener.
func (r *TransitionRecorder) OnDestroyed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed++
}

// OnTransition implements exchange.Listener.
func (r *TransitionRecorder) OnTransition(from, to exchange.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[from.String()+"->"+to.String()]++
	r.current = to
	r.lastChange = time.Now()
}

// Snapshot returns a copy of all counters.
func (r *TransitionRecorder) Snapshot() TransitionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transitions := make(map[string]int64, len(r.transitions))
	for k, v := range r.transitions {
		transitions[k] = v
	}
	return TransitionSnapshot{
		Transitions: transitions,
		Defined:     r.defined,
		Destroyed:   r.destroyed,
		Failures:    r.failures,
		LastFailure: r.lastFailure,
		LastChange:  r.lastChange,
		Current:     r.current,
	}
}
