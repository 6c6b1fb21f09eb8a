// Package runner schedules a registered task graph, executes ready tasks
// concurrently, merges dependency outputs into each task's inputs, and
// streams lifecycle events to the caller as they happen.
//
// All bookkeeping (completed, failed, results, running) is mutated only from
// the single scheduling goroutine; task goroutines communicate with it
// exclusively through the updates channel, so no additional locking is
// needed.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/task"
)

// Runner drives one task graph. A Runner is single-use: create one per run.
type Runner struct {
	registry *task.Registry
	opts     Options
	runID    string

	completed map[task.ID]struct{}
	failed    map[task.ID]struct{}
	results   map[task.ID]task.CompletedTask
	running   map[task.ID]context.CancelFunc

	updates chan taskUpdate
	aborted bool
}

// taskUpdate is what a task goroutine reports back to the scheduler.
type taskUpdate struct {
	event     Event
	taskID    task.ID
	terminal  bool
	completed *task.CompletedTask // set when the task succeeded
	abort     bool                // set on unhandled (non-cancellation) failure
}

// New creates a runner over a validated registry.
func New(registry *task.Registry, opts Options) *Runner {
	return &Runner{
		registry:  registry,
		opts:      opts.withDefaults(),
		runID:     uuid.NewString(),
		completed: make(map[task.ID]struct{}),
		failed:    make(map[task.ID]struct{}),
		results:   make(map[task.ID]task.CompletedTask),
		running:   make(map[task.ID]context.CancelFunc),
		updates:   make(chan taskUpdate, 64),
	}
}

// RunID identifies this run in logs and diagnostics.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the graph and returns the event stream. The channel carries
// update events as tasks progress and is closed after exactly one final
// event; an unhandled scheduler error additionally produces one error record
// right before the final one, so the stream is always well formed.
func (r *Runner) Run(ctx context.Context, initial task.Inputs) <-chan Event {
	out := make(chan Event, r.opts.EventBuffer)
	go r.loop(ctx, initial, out)
	return out
}

// loop is the top-level wrapper: it converts an otherwise-unhandled scheduler
// crash into a single error record and guarantees the closing final event.
func (r *Runner) loop(ctx context.Context, initial task.Inputs, out chan<- Event) {
	logger := ctxlog.FromContext(ctx).With("runID", r.runID)
	ctx = ctxlog.WithLogger(ctx, logger)
	defer close(out)

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task runner crashed: %v", rec)
			}
		}()
		return r.schedule(ctx, initial, out)
	}()
	if err != nil {
		logger.Error("Run failed.", "error", err)
		out <- Event{Type: TypeError, Timestamp: now(), Error: err.Error()}
	}

	final := Event{Type: TypeFinal, Timestamp: now(), Data: map[string]any{}}
	if res, ok := r.results[r.opts.TerminalTask]; ok && res.Payload != nil {
		final.Data = res.Payload
	}
	out <- final
	logger.Debug("Event stream closed.", "completed", len(r.completed), "failed", len(r.failed))
}

// schedule advances the graph in ticks until every task is completed or
// failed, the run aborts, or a deadlock is detected.
func (r *Runner) schedule(ctx context.Context, initial task.Inputs, out chan<- Event) error {
	logger := ctxlog.FromContext(ctx)

	order := r.registry.Order()
	pending := make(map[task.ID]struct{}, len(order))
	for _, id := range order {
		pending[id] = struct{}{}
	}
	logger.Info("Run started.", "tasks", len(order))

	for len(pending) > 0 || len(r.running) > 0 {
		if r.aborted || ctx.Err() != nil || (r.opts.CancelPredicate != nil && r.opts.CancelPredicate()) {
			logger.Warn("Run aborting; cancelling all running tasks.", "running", len(r.running))
			r.cancelAll(out)
			break
		}

		// Launch every ready task, in registration order so that same-tick
		// launches emit their running events deterministically.
		for _, id := range order {
			if _, isPending := pending[id]; !isPending {
				continue
			}
			def, ok := r.registry.Get(id)
			if !ok {
				return fmt.Errorf("task %q vanished from registry", string(id))
			}
			if !r.depsCompleted(def) {
				continue
			}
			delete(pending, id)
			r.launch(ctx, def, initial, out)
		}

		if len(r.running) == 0 && len(pending) > 0 {
			stuck := make([]task.ID, 0, len(pending))
			for id := range pending {
				stuck = append(stuck, id)
			}
			return &DeadlockError{Stuck: stuck}
		}
		if len(r.running) == 0 && len(pending) == 0 {
			break
		}

		select {
		case u := <-r.updates:
			r.apply(u, out)
		case <-ctx.Done():
			// Re-enter the loop; the abort branch takes over.
		case <-time.After(r.opts.PollInterval):
			// Wake a quiet scheduler so the cancel predicate is re-polled.
		}
	}

	// Yield any events still buffered before the stream ends.
	for {
		select {
		case u := <-r.updates:
			r.apply(u, out)
		default:
			return nil
		}
	}
}

// depsCompleted reports whether every declared dependency has completed.
func (r *Runner) depsCompleted(def *task.Definition) bool {
	for _, dep := range def.DependsOn {
		if _, done := r.completed[dep]; !done {
			return false
		}
	}
	return true
}

// launch emits the running event and starts the task goroutine. Input
// construction happens here, on the scheduling goroutine, because it reads
// the results map.
func (r *Runner) launch(ctx context.Context, def *task.Definition, initial task.Inputs, out chan<- Event) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Launching task.", "taskID", def.ID, "progressive", def.Progressive())

	out <- update(def.ID, StatusRunning)

	in, err := r.buildInputs(def, initial)
	if err != nil {
		// A collision under the Reject policy fails the task before its body
		// ever runs, and aborts the run like any other task failure.
		logger.Error("Task input construction failed.", "taskID", def.ID, "error", err)
		ev := update(def.ID, StatusFailed)
		ev.Error = err.Error()
		out <- ev
		r.failed[def.ID] = struct{}{}
		r.aborted = true
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.running[def.ID] = cancel
	go r.execute(taskCtx, def, in)
}

// buildInputs overlays the initial values with each completed dependency's
// payload in declaration order, applying the configured collision policy,
// and attaches the per-dependency CompletedTask records.
func (r *Runner) buildInputs(def *task.Definition, initial task.Inputs) (task.Inputs, error) {
	values := make(map[string]any, len(initial.Values))
	for k, v := range initial.Values {
		values[k] = v
	}
	deps := make(map[task.ID]task.CompletedTask, len(def.DependsOn))
	written := make(map[string]task.ID)

	for _, depID := range def.DependsOn {
		res, ok := r.results[depID]
		if !ok {
			continue
		}
		deps[depID] = res
		for k, v := range res.Payload {
			if r.opts.Collisions == Reject {
				if _, dup := written[k]; dup {
					return task.Inputs{}, &CollisionError{TaskID: def.ID, Key: k, Dep: depID}
				}
			}
			written[k] = depID
			values[k] = v
		}
	}

	return task.Inputs{Values: values, Deps: deps}, nil
}

// apply forwards one task update to the caller and folds its terminal state
// into the bookkeeping.
func (r *Runner) apply(u taskUpdate, out chan<- Event) {
	out <- u.event
	if !u.terminal {
		return
	}

	if cancel, ok := r.running[u.taskID]; ok {
		cancel()
		delete(r.running, u.taskID)
	}
	if u.completed != nil {
		r.completed[u.taskID] = struct{}{}
		r.results[u.taskID] = *u.completed
	} else {
		r.failed[u.taskID] = struct{}{}
	}
	if u.abort {
		r.aborted = true
	}
}

// cancelAll cancels every running task and consumes updates until each one
// has reported its terminal event. A task body that ignores its context will
// block the shutdown; there is deliberately no per-task timeout.
func (r *Runner) cancelAll(out chan<- Event) {
	for _, cancel := range r.running {
		cancel()
	}
	for len(r.running) > 0 {
		r.apply(<-r.updates, out)
	}
}
