package pipeline

import (
	"context"
	"sync"
)

// entry is one slot in the queue: either a produced item or the sentinel that
// tells the consumer no further items will arrive.
type entry[T any] struct {
	value    T
	sentinel bool
}

// fifo is an unbounded multi-producer, single-consumer queue. Puts never
// block, so a batch handler can feed a downstream pipeline without risking a
// deadlock against its own stage.
type fifo[T any] struct {
	mu    sync.Mutex
	items []entry[T]
	wake  chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{}, 1)}
}

func (q *fifo[T]) put(e entry[T]) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// get blocks until an entry is available or the context is cancelled. Only a
// single goroutine may call get; the wake signal assumes one consumer.
func (q *fifo[T]) get(ctx context.Context) (entry[T], error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return entry[T]{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// pendingItems counts queued entries that are real items, ignoring sentinels.
func (q *fifo[T]) pendingItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.items {
		if !e.sentinel {
			n++
		}
	}
	return n
}
