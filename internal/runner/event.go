package runner

import (
	"time"

	"github.com/algorhythms/algorhythms/internal/task"
)

// Event types as they appear on the wire.
const (
	TypeUpdate = "update"
	TypeFinal  = "final"
	TypeError  = "error"
)

// Status is the lifecycle stage a task update reports.
type Status string

const (
	StatusRunning   Status = "running"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one record of the run's progress stream. Every task emits exactly
// one terminal event (completed or failed), optionally preceded by a running
// event and any number of progress events; the stream always ends with
// exactly one final event.
type Event struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`

	TaskID     task.ID        `json:"task_id,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS *float64       `json:"duration_ms,omitempty"`
}

// Terminal reports whether the event closes out its task.
func (e Event) Terminal() bool {
	return e.Type == TypeUpdate && (e.Status == StatusCompleted || e.Status == StatusFailed)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func update(id task.ID, status Status) Event {
	return Event{Type: TypeUpdate, Timestamp: now(), TaskID: id, Status: status}
}

func durationPtr(ms float64) *float64 {
	return &ms
}
