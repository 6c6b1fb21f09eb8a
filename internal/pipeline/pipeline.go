// Package pipeline implements a generic bounded-batch producer/consumer
// primitive: dynamically spawned producers feed one unbounded FIFO queue and
// a single consumer drains it in fixed-size batches.
//
// Pipelines compose into multi-stage flows: a batch handler running on stage
// k may register new producers on stage k+1 while stage k is still draining.
// Callers must then call Finish in stage order so every dynamically
// registered producer exists before its stage's Finish snapshots the producer
// list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
)

// ErrNotStarted is returned when producers are registered or Finish is called
// before Start.
var ErrNotStarted = errors.New("pipeline: not started")

// ErrFinishing is returned when producers are registered while Finish is
// already waiting on this stage. The registration is dropped.
var ErrFinishing = errors.New("pipeline: finish in progress")

// BatchFunc handles one batch of up to batchSize items, in enqueue order.
// Returning an error permanently stops the stage's consumer; items still in
// the queue are never processed and the error surfaces from Finish.
type BatchFunc[T any] func(ctx context.Context, batch []T) error

// Producer is an independently scheduled unit of work that appends zero or
// more items to the pipeline before returning.
type Producer func(ctx context.Context) error

// Pipeline is one stage: a queue, a set of producer handles, and the single
// consumer goroutine that batches items into the handler.
type Pipeline[T any] struct {
	name      string
	batchSize int
	handler   BatchFunc[T]
	queue     *fifo[T]

	mu        sync.Mutex
	started   bool
	finishing bool
	producers []<-chan struct{}

	consumerDone chan struct{}
	consumerErr  error // written once by the consumer, read after consumerDone closes
}

// New creates a pipeline stage. The name only appears in logs.
func New[T any](name string, batchSize int, handler BatchFunc[T]) *Pipeline[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Pipeline[T]{
		name:         name,
		batchSize:    batchSize,
		handler:      handler,
		queue:        newFIFO[T](),
		consumerDone: make(chan struct{}),
	}
}

// Start launches the consumer loop. Idempotent: a second call is a no-op and
// never spawns a second consumer.
func (p *Pipeline[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.consume(ctx)
	ctxlog.FromContext(ctx).Debug("Pipeline stage started.", "stage", p.name, "batchSize", p.batchSize)
}

// Append enqueues one item. It never blocks and is safe to call from any
// concurrently running producer or from another stage's batch handler.
func (p *Pipeline[T]) Append(item T) {
	p.queue.put(entry[T]{value: item})
}

// AddProducers spawns each callback as an independent concurrent unit.
// Registering before Start or while Finish is in flight is a usage error:
// it is logged and the producers are not spawned.
func (p *Pipeline[T]) AddProducers(ctx context.Context, producers ...Producer) error {
	logger := ctxlog.FromContext(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		logger.Warn("Producers registered before pipeline start; dropping them.", "stage", p.name, "count", len(producers))
		return ErrNotStarted
	}
	if p.finishing {
		logger.Warn("Producers registered during finish; dropping them.", "stage", p.name, "count", len(producers))
		return ErrFinishing
	}

	for _, fn := range producers {
		done := make(chan struct{})
		p.producers = append(p.producers, done)
		go func(fn Producer) {
			defer close(done)
			if err := fn(ctx); err != nil {
				// Producer failures only cost their own items; the stage
				// keeps draining what everyone else produced.
				logger.Warn("Pipeline producer failed.", "stage", p.name, "error", err)
			}
		}(fn)
	}
	return nil
}

// Finish waits for every producer known at the moment of the call, enqueues
// the sentinel, then waits for the consumer to drain the queue and flush any
// trailing partial batch. It returns the batch handler's error, if the
// consumer stopped on one.
func (p *Pipeline[T]) Finish(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.finishing = true
	known := make([]<-chan struct{}, len(p.producers))
	copy(known, p.producers)
	p.mu.Unlock()

	for _, done := range known {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.queue.put(entry[T]{sentinel: true})

	select {
	case <-p.consumerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.consumerErr != nil {
		if dropped := p.queue.pendingItems(); dropped > 0 {
			ctxlog.FromContext(ctx).Error("Pipeline consumer stopped early; enqueued items were lost.",
				"stage", p.name, "dropped", dropped)
		}
		return p.consumerErr
	}
	return nil
}

// consume is the single consumer loop for this stage.
func (p *Pipeline[T]) consume(ctx context.Context) {
	defer close(p.consumerDone)
	logger := ctxlog.FromContext(ctx)

	buffer := make([]T, 0, p.batchSize)
	for {
		e, err := p.queue.get(ctx)
		if err != nil {
			p.consumerErr = err
			return
		}
		if e.sentinel {
			break
		}

		buffer = append(buffer, e.value)
		if len(buffer) >= p.batchSize {
			if err := p.handler(ctx, buffer); err != nil {
				// Fail fast: stop without draining further items.
				p.consumerErr = fmt.Errorf("pipeline %s: batch handler: %w", p.name, err)
				logger.Error("Pipeline batch handler failed; consumer stopping.", "stage", p.name, "error", err)
				return
			}
			buffer = buffer[:0]
		}
	}

	if len(buffer) > 0 {
		logger.Debug("Pipeline flushing trailing partial batch.", "stage", p.name, "size", len(buffer))
		if err := p.handler(ctx, buffer); err != nil {
			p.consumerErr = fmt.Errorf("pipeline %s: final batch handler: %w", p.name, err)
			logger.Error("Pipeline final batch failed.", "stage", p.name, "error", err)
		}
	}
}
