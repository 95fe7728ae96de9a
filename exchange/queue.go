package exchange

import "sync"

// fifo is an unbounded queue feeding a single consumer goroutine. push never
// blocks, so timers, confirmation waiters and listener callbacks can hand
// work to the event loop without deadlocking against it.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available. Only one goroutine may call pop.
func (q *fifo[T]) pop() T {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return item
		}
		q.mu.Unlock()
		<-q.signal
	}
}
