package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/task"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

// collect drains the event stream into a slice.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// eventKey renders an event as "status id" (or its type for non-updates) so
// tests can assert whole-stream ordering compactly.
func eventKey(ev Event) string {
	if ev.Type == TypeUpdate {
		return fmt.Sprintf("%s %s", ev.Status, ev.TaskID)
	}
	return ev.Type
}

func keys(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = eventKey(ev)
	}
	return out
}

func sleepTask(d time.Duration, payload map[string]any) task.SingleFunc {
	return func(ctx context.Context, _ task.Inputs) (task.Result, error) {
		select {
		case <-time.After(d):
			return task.Result{Internal: payload}, nil
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		}
	}
}

func TestIndependentTasksThenFanIn(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "a", Run: sleepTask(10*time.Millisecond, map[string]any{"a": 1})})
	reg.MustDefine(task.Definition{ID: "b", Run: sleepTask(20*time.Millisecond, map[string]any{"b": 2})})
	reg.MustDefine(task.Definition{ID: "c", DependsOn: []task.ID{"a", "b"}, Run: sleepTask(time.Millisecond, map[string]any{"c": 3})})

	r := New(reg, Options{TerminalTask: "c"})
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))

	assert.Equal(t, []string{
		"running a", "running b",
		"completed a", "completed b",
		"running c", "completed c",
		"final",
	}, keys(events))

	final := events[len(events)-1]
	assert.Equal(t, 3, final.Data["c"])
}

func TestSingleFailureAbortsImmediately(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "a", Run: func(ctx context.Context, _ task.Inputs) (task.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return task.Result{}, errors.New("disk on fire")
	}})

	r := New(reg, Options{TerminalTask: "a"})
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))

	require.Equal(t, []string{"running a", "failed a", "final"}, keys(events))

	failed := events[1]
	assert.Equal(t, "disk on fire", failed.Error)
	require.NotNil(t, failed.DurationMS)
	assert.GreaterOrEqual(t, *failed.DurationMS, 5.0)

	final := events[2]
	assert.Empty(t, final.Data)
}

func TestFailureCancelsSiblingsAndSkipsDependents(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "slow", Run: sleepTask(5*time.Second, nil)})
	reg.MustDefine(task.Definition{ID: "bad", Run: func(ctx context.Context, _ task.Inputs) (task.Result, error) {
		return task.Result{}, errors.New("boom")
	}})
	reg.MustDefine(task.Definition{ID: "after-slow", DependsOn: []task.ID{"slow"}, Run: sleepTask(time.Millisecond, nil)})
	reg.MustDefine(task.Definition{ID: "after-bad", DependsOn: []task.ID{"bad"}, Run: sleepTask(time.Millisecond, nil)})

	r := New(reg, Options{})
	start := time.Now()
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))
	require.Less(t, time.Since(start), 2*time.Second, "abort must not wait out the slow task")

	byKey := map[string]Event{}
	for _, ev := range events {
		byKey[eventKey(ev)] = ev
	}

	// The running sibling gets a cancellation-flavored failure, no duration.
	cancelled, ok := byKey["failed slow"]
	require.True(t, ok, "slow task must fail via cancellation, got %v", keys(events))
	assert.Equal(t, cancelledMarker, cancelled.Error)
	assert.Nil(t, cancelled.DurationMS)

	// Dependents of the failed and the cancelled tasks never start.
	assert.NotContains(t, keys(events), "running after-slow")
	assert.NotContains(t, keys(events), "running after-bad")
	assert.Equal(t, "final", eventKey(events[len(events)-1]))
}

func TestEveryTaskReachesATerminalState(t *testing.T) {
	// A diamond plus an independent chain; all six tasks must end up in
	// completed, none pending, and the stream stays dependency-ordered.
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "root", Run: sleepTask(time.Millisecond, map[string]any{"n": 0})})
	reg.MustDefine(task.Definition{ID: "left", DependsOn: []task.ID{"root"}, Run: sleepTask(2*time.Millisecond, nil)})
	reg.MustDefine(task.Definition{ID: "right", DependsOn: []task.ID{"root"}, Run: sleepTask(time.Millisecond, nil)})
	reg.MustDefine(task.Definition{ID: "join", DependsOn: []task.ID{"left", "right"}, Run: sleepTask(time.Millisecond, nil)})
	reg.MustDefine(task.Definition{ID: "solo1", Run: sleepTask(time.Millisecond, nil)})
	reg.MustDefine(task.Definition{ID: "solo2", DependsOn: []task.ID{"solo1"}, Run: sleepTask(time.Millisecond, nil)})

	r := New(reg, Options{TerminalTask: "join"})
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))

	completedAt := map[string]int{}
	runningAt := map[string]int{}
	for i, ev := range events {
		switch ev.Status {
		case StatusCompleted:
			completedAt[string(ev.TaskID)] = i
		case StatusRunning:
			runningAt[string(ev.TaskID)] = i
		}
	}
	require.Len(t, completedAt, 6, "every task must complete: %v", keys(events))

	// No task may start before each of its dependencies completed.
	deps := map[string][]string{
		"left": {"root"}, "right": {"root"},
		"join": {"left", "right"}, "solo2": {"solo1"},
	}
	for id, ds := range deps {
		for _, dep := range ds {
			assert.Greater(t, runningAt[id], completedAt[dep], "%s started before %s completed", id, dep)
		}
	}
}

func TestProgressiveTask(t *testing.T) {
	t.Run("progress snapshots stream between running and completed", func(t *testing.T) {
		reg := task.NewRegistry()
		reg.MustDefine(task.Definition{ID: "steps", RunProgressive: func(ctx context.Context, _ task.Inputs, rep *task.Reporter) error {
			for i := 1; i <= 3; i++ {
				rep.Progress(map[string]any{"step": i})
			}
			rep.Resolve(task.Result{
				Internal: map[string]any{"total": 3},
				Client:   map[string]any{"message": "done"},
			})
			return nil
		}})

		r := New(reg, Options{TerminalTask: "steps"})
		events := collect(t, r.Run(testCtx(t), task.Inputs{}))

		assert.Equal(t, []string{
			"running steps",
			"progress steps", "progress steps", "progress steps",
			"completed steps",
			"final",
		}, keys(events))

		assert.Equal(t, 1, events[1].Data["step"])
		assert.Equal(t, "done", events[4].Data["message"])
		assert.Equal(t, 3, events[5].Data["total"])
	})

	t.Run("a body that never resolves fails the task", func(t *testing.T) {
		reg := task.NewRegistry()
		reg.MustDefine(task.Definition{ID: "mute", RunProgressive: func(ctx context.Context, _ task.Inputs, rep *task.Reporter) error {
			rep.Progress(map[string]any{"step": 1})
			return nil // returns without Resolve
		}})

		r := New(reg, Options{})
		events := collect(t, r.Run(testCtx(t), task.Inputs{}))

		require.Equal(t, []string{"running mute", "progress mute", "failed mute", "final"}, keys(events))
		assert.Contains(t, events[2].Error, "produced no result")
	})
}

func TestDeadlockDetection(t *testing.T) {
	// A task failing with a cancellation marker does not abort the run, so
	// its dependent gets stuck: the safety net must name it.
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "gone", Run: func(ctx context.Context, _ task.Inputs) (task.Result, error) {
		return task.Result{}, context.Canceled
	}})
	reg.MustDefine(task.Definition{ID: "stuck", DependsOn: []task.ID{"gone"}, Run: sleepTask(time.Millisecond, nil)})

	r := New(reg, Options{})
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))

	require.Equal(t, []string{"running gone", "failed gone", "error", "final"}, keys(events))
	assert.Contains(t, events[2].Error, "deadlock detected")
	assert.Contains(t, events[2].Error, "stuck")
}

func TestCancelPredicateAbortsRun(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "forever", Run: sleepTask(time.Minute, nil)})

	var disconnected atomic.Bool
	r := New(reg, Options{
		CancelPredicate: disconnected.Load,
		PollInterval:    5 * time.Millisecond,
	})

	events := r.Run(testCtx(t), task.Inputs{})

	// First event is the launch; then flip the predicate.
	first := <-events
	assert.Equal(t, "running forever", eventKey(first))
	disconnected.Store(true)

	rest := collect(t, events)
	require.Equal(t, []string{"failed forever", "final"}, keys(rest))
	assert.Equal(t, cancelledMarker, rest[0].Error)
}

func TestContextCancellationAbortsRun(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "forever", Run: sleepTask(time.Minute, nil)})

	ctx, cancel := context.WithCancel(testCtx(t))
	r := New(reg, Options{})
	events := r.Run(ctx, task.Inputs{})

	first := <-events
	assert.Equal(t, "running forever", eventKey(first))
	cancel()

	rest := collect(t, events)
	require.Equal(t, []string{"failed forever", "final"}, keys(rest))
}

func TestDependencyInputs(t *testing.T) {
	t.Run("payloads merge in declaration order with metadata attached", func(t *testing.T) {
		reg := task.NewRegistry()
		reg.MustDefine(task.Definition{ID: "first", Run: sleepTask(time.Millisecond, map[string]any{"shared": "first", "x": 1})})
		reg.MustDefine(task.Definition{ID: "second", Run: sleepTask(time.Millisecond, map[string]any{"shared": "second", "y": 2})})

		var got task.Inputs
		reg.MustDefine(task.Definition{ID: "sink", DependsOn: []task.ID{"first", "second"}, Run: func(ctx context.Context, in task.Inputs) (task.Result, error) {
			got = in
			return task.Result{}, nil
		}})

		r := New(reg, Options{})
		collect(t, r.Run(testCtx(t), task.Inputs{Values: map[string]any{"seed": true, "x": 0}}))

		// Initial values are overlaid by dependency payloads; the later
		// dependency wins colliding keys under the default policy.
		assert.Equal(t, true, got.Value("seed"))
		assert.Equal(t, 1, got.Value("x"))
		assert.Equal(t, 2, got.Value("y"))
		assert.Equal(t, "second", got.Value("shared"))

		require.Contains(t, got.Deps, task.ID("first"))
		require.Contains(t, got.Deps, task.ID("second"))
		assert.Greater(t, got.Deps["first"].DurationMS, 0.0)
	})

	t.Run("reject policy fails the task on a collision", func(t *testing.T) {
		reg := task.NewRegistry()
		reg.MustDefine(task.Definition{ID: "first", Run: sleepTask(time.Millisecond, map[string]any{"shared": 1})})
		reg.MustDefine(task.Definition{ID: "second", Run: sleepTask(time.Millisecond, map[string]any{"shared": 2})})
		reg.MustDefine(task.Definition{ID: "sink", DependsOn: []task.ID{"first", "second"}, Run: sleepTask(time.Millisecond, nil)})

		r := New(reg, Options{Collisions: Reject})
		events := collect(t, r.Run(testCtx(t), task.Inputs{}))

		var failure *Event
		for i := range events {
			if events[i].Status == StatusFailed && events[i].TaskID == "sink" {
				failure = &events[i]
			}
		}
		require.NotNil(t, failure, "sink must fail on the collision: %v", keys(events))
		assert.Contains(t, failure.Error, `input key "shared"`)
	})
}

func TestPanickingBodyBecomesTaskFailure(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustDefine(task.Definition{ID: "kaboom", Run: func(ctx context.Context, _ task.Inputs) (task.Result, error) {
		panic("wild pointer")
	}})

	r := New(reg, Options{})
	events := collect(t, r.Run(testCtx(t), task.Inputs{}))

	require.Equal(t, []string{"running kaboom", "failed kaboom", "final"}, keys(events))
	assert.Contains(t, events[1].Error, "panicked")
}
