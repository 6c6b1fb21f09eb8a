package runner

import (
	"time"

	"github.com/algorhythms/algorhythms/internal/task"
)

// CollisionPolicy decides what happens when two dependencies of the same task
// write the same input key.
type CollisionPolicy int

const (
	// Overwrite keeps the value of the dependency that merges last, in
	// dependency-declaration order. This is the default.
	Overwrite CollisionPolicy = iota
	// Reject fails the task instead of silently overwriting.
	Reject
)

// Options tune one runner instance.
type Options struct {
	// TerminalTask designates the task whose internal payload becomes the
	// data of the final event. Empty data is emitted when the task never
	// completes or no terminal task is designated.
	TerminalTask task.ID

	// CancelPredicate is polled once per scheduling tick; returning true
	// aborts the run. Typically "has the caller disconnected".
	CancelPredicate func() bool

	// PollInterval bounds how long a quiet scheduler waits before re-polling
	// the cancel predicate. Defaults to 100ms.
	PollInterval time.Duration

	// Collisions selects the dependency-merge collision policy.
	Collisions CollisionPolicy

	// EventBuffer sizes the outbound event channel. Defaults to 64.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}
