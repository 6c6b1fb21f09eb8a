// Package task defines the static vocabulary of the execution engine: task
// identifiers, task definitions with their declared dependencies, and the
// registry that validates the dependency graph at definition time.
package task

import (
	"context"
	"sync"
)

// ID is an opaque, globally unique handle for a task. Immutable once assigned.
type ID string

// CompletedTask holds the internal payload and timing of a successfully
// completed task. It is produced exactly once per task and owned by the runner.
type CompletedTask struct {
	Payload    map[string]any
	DurationMS float64
}

// Inputs is the typed envelope handed to every task body. Values carries the
// initial run inputs overlaid with dependency payloads; Deps carries the full
// CompletedTask record of each declared dependency for timing and aggregation
// use by downstream tasks. The engine never interprets the Values themselves.
type Inputs struct {
	Values map[string]any
	Deps   map[ID]CompletedTask
}

// Value returns a named input value, or nil when absent.
func (in Inputs) Value(key string) any {
	return in.Values[key]
}

// Result is what a task body resolves with: an internal payload merged into
// the inputs of dependent tasks, and a client payload forwarded verbatim on
// the event stream.
type Result struct {
	Internal map[string]any
	Client   map[string]any
}

// SingleFunc is the body of a single-shot task: one call, one result.
type SingleFunc func(ctx context.Context, in Inputs) (Result, error)

// ProgressiveFunc is the body of a long-running task that emits intermediate
// progress snapshots through the reporter and resolves exactly once via
// Reporter.Resolve before returning.
type ProgressiveFunc func(ctx context.Context, in Inputs, rep *Reporter) error

// Definition describes a single task. Exactly one of Run or RunProgressive
// must be set; the choice is made by the author at definition time, never
// inferred at runtime.
type Definition struct {
	ID          ID
	Label       string
	Description string
	DependsOn   []ID

	Run            SingleFunc
	RunProgressive ProgressiveFunc
}

// Progressive reports whether the definition carries a progressive body.
func (d *Definition) Progressive() bool {
	return d.RunProgressive != nil
}

// Reporter is the channel through which a progressive body talks back to the
// runner. Progress snapshots emitted after Resolve are dropped, matching the
// contract that the runner stops consuming once the result is in.
type Reporter struct {
	mu       sync.Mutex
	progress func(data map[string]any)
	result   *Result
}

// NewReporter builds a reporter that forwards progress snapshots to emit.
// It is exported for the runner and for tests that drive bodies directly.
func NewReporter(emit func(data map[string]any)) *Reporter {
	return &Reporter{progress: emit}
}

// Progress emits one intermediate snapshot. No-op once the task has resolved.
func (r *Reporter) Progress(data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return
	}
	r.progress(data)
}

// Resolve records the task's final result. Only the first call counts.
func (r *Reporter) Resolve(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		r.result = &res
	}
}

// Result returns the resolved result, or nil if Resolve was never called.
func (r *Reporter) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}
