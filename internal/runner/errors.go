package runner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/algorhythms/algorhythms/internal/task"
)

// ErrNoResult marks a task body that returned without producing a result:
// a single body that resolved nothing, or a progressive body that never
// called Resolve.
var ErrNoResult = errors.New("task produced no result")

// cancelledMarker is the error text carried by the failed event of a task
// that was cooperatively cancelled. Cancellations report no duration.
const cancelledMarker = "task was cancelled"

// DeadlockError reports a scheduling tick where no tasks were running yet
// pending tasks remained. It names the stuck tasks. This is a safety net for
// dependency failures that did not abort the run, not the primary failure
// path.
type DeadlockError struct {
	Stuck []task.ID
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	ids := make([]string, len(e.Stuck))
	for i, id := range e.Stuck {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("deadlock detected: tasks %v are pending with unmet dependencies", ids)
}

// CollisionError reports two sibling dependencies writing the same input key
// while the run uses the Reject collision policy.
type CollisionError struct {
	TaskID task.ID
	Key    string
	Dep    task.ID
}

// Error implements the error interface.
func (e *CollisionError) Error() string {
	return fmt.Sprintf("task %q: dependency %q overwrites input key %q", string(e.TaskID), string(e.Dep), e.Key)
}
