package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/task"
	"github.com/algorhythms/algorhythms/internal/timing"
)

// execute runs one task body to completion on its own goroutine and reports
// every outcome back to the scheduler through the updates channel.
func (r *Runner) execute(ctx context.Context, def *task.Definition, in task.Inputs) {
	logger := ctxlog.FromContext(ctx).With("taskID", def.ID)

	sw := timing.Start()
	res, err := r.invoke(ctx, def, in)
	sw.Stop()

	switch {
	case err != nil && isCancellation(ctx, err):
		logger.Warn("Task cancelled.")
		ev := update(def.ID, StatusFailed)
		ev.Error = cancelledMarker
		// No duration: the measurement is meaningless for an aborted task.
		r.updates <- taskUpdate{event: ev, taskID: def.ID, terminal: true}

	case err != nil:
		logger.Error("Task failed.", "error", err, "durationMS", sw.ElapsedMS())
		ev := update(def.ID, StatusFailed)
		ev.Error = err.Error()
		ev.DurationMS = durationPtr(sw.ElapsedMS())
		r.updates <- taskUpdate{event: ev, taskID: def.ID, terminal: true, abort: true}

	default:
		logger.Debug("Task completed.", "durationMS", sw.ElapsedMS())
		done := task.CompletedTask{Payload: res.Internal, DurationMS: sw.ElapsedMS()}
		ev := update(def.ID, StatusCompleted)
		ev.Data = res.Client
		ev.DurationMS = durationPtr(sw.ElapsedMS())
		r.updates <- taskUpdate{event: ev, taskID: def.ID, terminal: true, completed: &done}
	}
}

// invoke dispatches on the definition's body tag and enforces that every
// body produces exactly one result. A panicking body is contained here and
// converted into a task failure, like any other unhandled exception.
func (r *Runner) invoke(ctx context.Context, def *task.Definition, in task.Inputs) (res task.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = task.Result{}
			err = fmt.Errorf("task %q panicked: %v", string(def.ID), rec)
		}
	}()
	if def.Progressive() {
		rep := task.NewReporter(func(data map[string]any) {
			ev := update(def.ID, StatusProgress)
			ev.Data = data
			r.updates <- taskUpdate{event: ev, taskID: def.ID}
		})
		if err := def.RunProgressive(ctx, in, rep); err != nil {
			return task.Result{}, err
		}
		resolved := rep.Result()
		if resolved == nil {
			return task.Result{}, fmt.Errorf("task %q: %w", string(def.ID), ErrNoResult)
		}
		return *resolved, nil
	}

	return def.Run(ctx, in)
}

// isCancellation distinguishes a cooperative cancellation from a real
// failure. A body may surface the context error directly or wrap it.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil
}
