package exchange

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFOOrder(t *testing.T) {
	q := newFIFO[int]()
	for i := 0; i < 10; i++ {
		q.push(i)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, q.pop())
	}
}

func TestFIFOBlocksUntilPush(t *testing.T) {
	q := newFIFO[string]()
	got := make(chan string, 1)

	go func() {
		got <- q.pop()
	}()
	q.push("hello")

	assert.Equal(t, "hello", <-got)
}

func TestFIFOConcurrentProducers(t *testing.T) {
	q := newFIFO[int]()
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(i)
			}
		}()
	}
	wg.Wait()

	seen := 0
	for i := 0; i < producers*perProducer; i++ {
		q.pop()
		seen++
	}
	assert.Equal(t, producers*perProducer, seen)
}
