package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeRunProgress        = "run.progress"
	EventTypeRunFinished        = "run.finished"
	EventTypeConcurrencyChanged = "run.concurrency"
)

// TaskStartedEvent is published when a task's action is launched.
type TaskStartedEvent struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails, either on its own or
// because BlockedBy failed.
type TaskFailedEvent struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Error     string        `json:"error"`
	BlockedBy string        `json:"blocked_by,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ProgressEvent is published once per settled task.
type ProgressEvent struct {
	ID        string    `json:"id"` // task that just settled
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Running   int       `json:"running"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventType() string { return EventTypeRunProgress }
func (e ProgressEvent) TaskID() string    { return e.ID }

// RunFinishedEvent is published when Start returns.
type RunFinishedEvent struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Abandoned bool          `json:"abandoned"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

// ConcurrencyChangedEvent is published when the budget is adjusted.
type ConcurrencyChangedEvent struct {
	Limit     int       `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConcurrencyChangedEvent) EventType() string { return EventTypeConcurrencyChanged }
func (e ConcurrencyChangedEvent) TaskID() string    { return "" }
