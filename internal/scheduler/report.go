package scheduler

import "time"

// TaskReport is the state of one task at snapshot time.
type TaskReport struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Priority  int           `json:"priority"`
	DependsOn []string      `json:"depends_on,omitempty"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	BlockedBy string        `json:"blocked_by,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report is a point-in-time snapshot of a run. Task lists are in
// registration order.
type Report struct {
	Total     int          `json:"total"`
	Tasks     []TaskReport `json:"tasks"`
	Completed []string     `json:"completed"`
	Failed    []string     `json:"failed"`  // action failures
	Blocked   []string     `json:"blocked"` // failed by inheritance
	Running   []string     `json:"running"`
	Pending   []string     `json:"pending"`

	Concurrency int       `json:"concurrency"`
	Started     bool      `json:"started"`
	Done        bool      `json:"done"`
	Abandoned   bool      `json:"abandoned"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Ready reports whether the consumer may proceed: every task settled, or the
// run was abandoned.
func (r *Report) Ready() bool {
	return r.Done || r.Abandoned
}

// Settled returns the number of tasks in a terminal state.
func (r *Report) Settled() int {
	return len(r.Completed) + len(r.Failed) + len(r.Blocked)
}

// Errors returns the failure of every failed or blocked task by ID.
func (r *Report) Errors() map[string]string {
	errs := make(map[string]string)
	for _, t := range r.Tasks {
		if t.Error != "" {
			errs[t.ID] = t.Error
		}
	}
	return errs
}

func buildReport(tasks []*Task) *Report {
	r := &Report{
		Total:     len(tasks),
		Tasks:     make([]TaskReport, 0, len(tasks)),
		Completed: []string{},
		Failed:    []string{},
		Blocked:   []string{},
		Running:   []string{},
		Pending:   []string{},
	}

	for _, task := range tasks {
		tr := TaskReport{
			ID:        task.ID,
			Label:     task.Label,
			Priority:  task.Priority,
			DependsOn: task.DependsOn,
			State:     task.State.String(),
			BlockedBy: task.BlockedBy,
			Duration:  task.Duration(),
		}
		if task.Err != nil {
			tr.Error = task.Err.Error()
		}
		r.Tasks = append(r.Tasks, tr)

		switch {
		case task.State == TaskCompleted:
			r.Completed = append(r.Completed, task.ID)
		case task.Blocked():
			r.Blocked = append(r.Blocked, task.ID)
		case task.State == TaskFailed:
			r.Failed = append(r.Failed, task.ID)
		case task.State == TaskRunning:
			r.Running = append(r.Running, task.ID)
		default:
			r.Pending = append(r.Pending, task.ID)
		}
	}

	return r
}
