package events

import (
	"time"

	"github.com/aristath/preloader/internal/scheduler"
)

// RunSource is the part of a loader the publisher reads to enrich callbacks.
type RunSource interface {
	Task(id string) (*scheduler.Task, bool)
	Report() *scheduler.Report
}

// Publisher turns loader callbacks into bus events. It implements
// scheduler.Observer.
type Publisher struct {
	bus    *EventBus
	source RunSource
	now    func() time.Time
}

var _ scheduler.Observer = (*Publisher)(nil)

// NewPublisher creates a Publisher for one run.
func NewPublisher(bus *EventBus, source RunSource) *Publisher {
	return &Publisher{bus: bus, source: source, now: time.Now}
}

// TaskStateChanged publishes a started, completed or failed event.
func (p *Publisher) TaskStateChanged(id string, state scheduler.TaskState) {
	task, ok := p.source.Task(id)
	if !ok {
		return
	}

	switch state {
	case scheduler.TaskRunning:
		p.bus.Publish(TopicTask, TaskStartedEvent{
			ID:        id,
			Label:     task.Label,
			Priority:  task.Priority,
			Timestamp: p.now(),
		})
	case scheduler.TaskCompleted:
		p.bus.Publish(TopicTask, TaskCompletedEvent{
			ID:        id,
			Label:     task.Label,
			Duration:  task.Duration(),
			Timestamp: p.now(),
		})
	case scheduler.TaskFailed:
		ev := TaskFailedEvent{
			ID:        id,
			Label:     task.Label,
			BlockedBy: task.BlockedBy,
			Duration:  task.Duration(),
			Timestamp: p.now(),
		}
		if task.Err != nil {
			ev.Error = task.Err.Error()
		}
		p.bus.Publish(TopicTask, ev)
	}
}

// Progress publishes a ProgressEvent with the current run counters.
func (p *Publisher) Progress(completed, total int, id string) {
	report := p.source.Report()
	p.bus.Publish(TopicRun, ProgressEvent{
		ID:        id,
		Completed: completed,
		Total:     total,
		Running:   len(report.Running),
		Failed:    len(report.Failed) + len(report.Blocked),
		Pending:   len(report.Pending),
		Timestamp: p.now(),
	})
}

// Finished publishes a RunFinishedEvent built from the final report.
func (p *Publisher) Finished(report *scheduler.Report) {
	p.bus.Publish(TopicRun, RunFinishedEvent{
		Total:     report.Total,
		Completed: len(report.Completed),
		Failed:    len(report.Failed),
		Blocked:   len(report.Blocked),
		Abandoned: report.Abandoned,
		Elapsed:   report.FinishedAt.Sub(report.StartedAt),
		Timestamp: p.now(),
	})
}

// ConcurrencyChanged publishes the new budget.
func (p *Publisher) ConcurrencyChanged(limit int) {
	p.bus.Publish(TopicRun, ConcurrencyChangedEvent{Limit: limit, Timestamp: p.now()})
}
