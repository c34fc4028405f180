package scheduler

// Observer receives task transitions and progress. Both methods are called
// synchronously from the scheduler goroutine, never while the scheduler holds
// its lock, so an observer may call Loader.Report. A panicking observer is
// recovered and logged.
type Observer interface {
	// TaskStateChanged fires on every transition to running, completed or
	// failed.
	TaskStateChanged(taskID string, state TaskState)

	// Progress fires once per settled task, after the matching
	// TaskStateChanged. completed counts tasks in a terminal state.
	Progress(completed, total int, taskID string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStateChange func(taskID string, state TaskState)
	OnProgress    func(completed, total int, taskID string)
}

func (o ObserverFuncs) TaskStateChanged(taskID string, state TaskState) {
	if o.OnStateChange != nil {
		o.OnStateChange(taskID, state)
	}
}

func (o ObserverFuncs) Progress(completed, total int, taskID string) {
	if o.OnProgress != nil {
		o.OnProgress(completed, total, taskID)
	}
}
