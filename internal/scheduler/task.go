package scheduler

import (
	"context"
	"time"
)

// TaskState represents the current state of a task.
type TaskState int

const (
	TaskPending   TaskState = iota // Waiting for dependencies or a free slot
	TaskRunning                    // Action in flight
	TaskCompleted                  // Action returned nil
	TaskFailed                     // Action returned an error, or an upstream task failed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Action is the unit of work behind a task. The scheduler only looks at the
// returned error.
type Action func(ctx context.Context) error

// Task represents a unit of work in the DAG.
type Task struct {
	ID        string   // Unique identifier
	Label     string   // Human-readable name
	Priority  int      // Higher starts first among eligible tasks
	DependsOn []string // Task IDs that must complete first
	Action    Action

	State      TaskState
	Err        error  // Set when State is TaskFailed
	BlockedBy  string // Upstream task whose failure failed this one
	StartedAt  time.Time
	FinishedAt time.Time

	seq int // registration order, used as the priority tie-break
}

// Blocked reports whether the task failed by inheritance.
func (t *Task) Blocked() bool {
	return t.State == TaskFailed && t.BlockedBy != ""
}

// Duration is the wall time the action ran, zero if it never started.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
