package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Loader runs the registered tasks once, in dependency order, with at most
// Concurrency actions in flight. All bookkeeping happens on the goroutine
// that called Start; actions run on their own goroutines.
type Loader struct {
	dag    *DAG
	budget *Budget
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	observers  []Observer
	regErr     error // first registration error, reported again by Start
	started    bool
	done       bool
	abandoned  bool
	startedAt  time.Time
	finishedAt time.Time

	// settledCount is only touched by whoever is settling: the Start
	// goroutine, then the background drain after an abandon.
	settledCount int

	abandonCh   chan struct{}
	abandonOnce sync.Once
	drained     chan struct{}
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithConcurrency sets the initial budget.
func WithConcurrency(n int) Option {
	return func(l *Loader) {
		l.budget.Set(n)
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		l.now = now
	}
}

// New creates an empty Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		dag:       NewDAG(),
		budget:    NewBudget(DefaultConcurrency),
		logger:    slog.Default(),
		now:       time.Now,
		abandonCh: make(chan struct{}),
		drained:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterTask declares a task. Dependencies may be registered in any order
// before Start. A nil action completes immediately.
func (l *Loader) RegisterTask(id, label string, priority int, deps []string, action Action) error {
	return l.Add(&Task{
		ID:        id,
		Label:     label,
		Priority:  priority,
		DependsOn: append([]string(nil), deps...),
		Action:    action,
	})
}

// Add registers a task. Registration after Start is rejected with
// ErrAlreadyStarted. A duplicate ID is returned immediately and also makes
// Start fail, so an ignored error cannot silently corrupt the graph.
func (l *Loader) Add(task *Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("registering %q: %w", task.ID, ErrAlreadyStarted)
	}

	if err := l.dag.AddTask(task); err != nil {
		if l.regErr == nil {
			l.regErr = err
		}
		return err
	}
	return nil
}

// SetConcurrency changes the budget. Safe before and during a run; running
// tasks are never preempted when it shrinks.
func (l *Loader) SetConcurrency(n int) {
	l.budget.Set(n)
	l.logger.Debug("concurrency changed", "limit", l.budget.Get())
}

// Concurrency returns the current budget.
func (l *Loader) Concurrency() int {
	return l.budget.Get()
}

// Subscribe adds an observer. May be called before or during a run.
func (l *Loader) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// OnStateChange subscribes fn to task transitions.
func (l *Loader) OnStateChange(fn func(taskID string, state TaskState)) {
	l.Subscribe(ObserverFuncs{OnStateChange: fn})
}

// OnProgress subscribes fn to per-settlement progress.
func (l *Loader) OnProgress(fn func(completed, total int, taskID string)) {
	l.Subscribe(ObserverFuncs{OnProgress: fn})
}

// Order validates the graph and returns a topological order.
func (l *Loader) Order() ([]string, error) {
	return l.dag.Order()
}

// Waves validates the graph and groups tasks by dependency depth.
func (l *Loader) Waves() ([][]string, error) {
	return l.dag.Waves()
}

// Start runs every task and returns once all have settled or the run is
// abandoned. Registration errors (duplicate id, unknown dependency, cycle)
// are returned before any action runs. A failed action is not an error of
// Start; it shows up in the Report. Cancelling ctx abandons the run and
// returns an error wrapping ErrAbandoned. Actions receive ctx, so unlike
// Abandon a cancellation also stops the ones in flight; they settle as
// failures in the background.
func (l *Loader) Start(ctx context.Context) (*Report, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	l.started = true
	regErr := l.regErr
	l.mu.Unlock()

	if regErr != nil {
		close(l.drained)
		return nil, fmt.Errorf("invalid task graph: %w", regErr)
	}
	if _, err := l.dag.Validate(); err != nil {
		close(l.drained)
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}

	total := l.dag.Len()
	l.mu.Lock()
	l.startedAt = l.now()
	l.mu.Unlock()
	l.logger.Info("bootstrap started", "tasks", total, "concurrency", l.budget.Get())

	// Sized so an action goroutine never blocks on send, even after Start
	// has returned.
	settled := make(chan settlement, total)

	for {
		select {
		case <-l.abandonCh:
			return l.abandonRun(settled), nil
		case <-ctx.Done():
			return l.abandonRun(settled), fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
		default:
		}

		l.launchEligible(ctx, settled)

		running := l.dag.Count(TaskRunning)
		pending := l.dag.Count(TaskPending)
		if running == 0 && pending == 0 {
			break
		}
		if running == 0 {
			// Unreachable for a validated graph: a failure blocks every
			// pending dependent, so some pending task is always eligible.
			l.finish(true)
			close(l.drained)
			return l.Report(), fmt.Errorf("scheduler stalled with %d pending tasks", pending)
		}

		select {
		case s := <-settled:
			l.settle(s)
		case <-l.budget.Changed():
		case <-l.abandonCh:
			return l.abandonRun(settled), nil
		case <-ctx.Done():
			return l.abandonRun(settled), fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
		}
	}

	l.finish(false)
	close(l.drained)

	report := l.Report()
	l.logger.Info("bootstrap finished",
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"blocked", len(report.Blocked),
		"elapsed", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// Abandon forces the run into a terminal state: Start returns promptly,
// nothing new is launched, and in-flight actions finish in the background.
// Safe to call at any time and more than once.
func (l *Loader) Abandon() {
	l.abandonOnce.Do(func() {
		close(l.abandonCh)
	})
}

// Drained is closed once Start has returned and no action is in flight.
func (l *Loader) Drained() <-chan struct{} {
	return l.drained
}

// Report returns a snapshot of the run. Safe to call from any goroutine,
// including observers.
func (l *Loader) Report() *Report {
	r := buildReport(l.dag.Tasks())

	l.mu.Lock()
	defer l.mu.Unlock()
	r.Concurrency = l.budget.Get()
	r.Started = l.started
	r.Done = l.done
	r.Abandoned = l.abandoned
	r.StartedAt = l.startedAt
	r.FinishedAt = l.finishedAt
	return r
}

type settlement struct {
	taskID string
	err    error
	at     time.Time
}

// launchEligible starts eligible tasks until the budget is used up.
func (l *Loader) launchEligible(ctx context.Context, settled chan<- settlement) {
	eligible := l.dag.Eligible(l.dag.Completed())

	for _, task := range eligible {
		if l.dag.Count(TaskRunning) >= l.budget.Get() {
			return
		}

		if err := l.dag.MarkRunning(task.ID, l.now()); err != nil {
			l.logger.Error("cannot start task", "task", task.ID, "error", err)
			continue
		}

		l.logger.Debug("task started", "task", task.ID, "priority", task.Priority)
		l.notifyState(task.ID, TaskRunning)

		go l.run(ctx, task, settled)
	}
}

func (l *Loader) run(ctx context.Context, task *Task, settled chan<- settlement) {
	err := invoke(ctx, task.Action)
	settled <- settlement{taskID: task.ID, err: err, at: l.now()}
}

// invoke runs an action, turning a panic into an error.
func invoke(ctx context.Context, action Action) (err error) {
	if action == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return action(ctx)
}

// settle records an action's outcome and fails dependents of a failed task.
func (l *Loader) settle(s settlement) {
	if s.err == nil {
		if err := l.dag.MarkCompleted(s.taskID, s.at); err != nil {
			l.logger.Error("cannot complete task", "task", s.taskID, "error", err)
			return
		}
		l.logger.Debug("task completed", "task", s.taskID)
		l.notifyState(s.taskID, TaskCompleted)
		l.notifyProgress(s.taskID)
		return
	}

	if err := l.dag.MarkFailed(s.taskID, s.err, s.at); err != nil {
		l.logger.Error("cannot fail task", "task", s.taskID, "error", err)
		return
	}
	l.logger.Warn("task failed", "task", s.taskID, "error", s.err)
	l.notifyState(s.taskID, TaskFailed)
	l.notifyProgress(s.taskID)

	for _, id := range l.dag.BlockDependents(s.taskID, s.at) {
		l.logger.Warn("task blocked by failed dependency", "task", id, "dependency", s.taskID)
		l.notifyState(id, TaskFailed)
		l.notifyProgress(id)
	}
}

// abandonRun marks the run abandoned and hands in-flight settlements to a
// background goroutine so their outcomes are still recorded.
func (l *Loader) abandonRun(settled <-chan settlement) *Report {
	l.finish(true)

	inFlight := l.dag.Count(TaskRunning)
	l.logger.Warn("bootstrap abandoned", "running", inFlight, "pending", l.dag.Count(TaskPending))

	go func() {
		defer close(l.drained)
		for i := 0; i < inFlight; i++ {
			l.settle(<-settled)
		}
	}()

	return l.Report()
}

func (l *Loader) finish(abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abandoned = abandoned
	l.done = !abandoned
	l.finishedAt = l.now()
}

func (l *Loader) snapshotObservers() []Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Observer(nil), l.observers...)
}

func (l *Loader) notifyState(taskID string, state TaskState) {
	for _, o := range l.snapshotObservers() {
		l.safeNotify(func() { o.TaskStateChanged(taskID, state) })
	}
}

func (l *Loader) notifyProgress(taskID string) {
	l.settledCount++
	settled := l.settledCount
	total := l.dag.Len()
	for _, o := range l.snapshotObservers() {
		l.safeNotify(func() { o.Progress(settled, total, taskID) })
	}
}

func (l *Loader) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn()
}

// Task returns a copy of the task with the given ID.
func (l *Loader) Task(id string) (*Task, bool) {
	return l.dag.Get(id)
}
