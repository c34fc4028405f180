package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedActions hands out actions that block until released. Launch order is
// taken from the loader's state callbacks, which fire in scheduling order;
// peak concurrency is measured inside the actions.
type gatedActions struct {
	mu         sync.Mutex
	gates      map[string]chan error
	started    chan string
	running    atomic.Int32
	maxRunning atomic.Int32
	calls      sync.Map // id -> *atomic.Int32
}

func newGatedActions() *gatedActions {
	return &gatedActions{
		gates:   make(map[string]chan error),
		started: make(chan string, 64),
	}
}

// attach records every running transition of l.
func (g *gatedActions) attach(l *Loader) *Loader {
	l.OnStateChange(func(id string, s TaskState) {
		if s == TaskRunning {
			g.started <- id
		}
	})
	return l
}

func (g *gatedActions) gate(id string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan error, 1)
		g.gates[id] = ch
	}
	return ch
}

func (g *gatedActions) action(id string) Action {
	return func(ctx context.Context) error {
		counter, _ := g.calls.LoadOrStore(id, new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)

		n := g.running.Add(1)
		for {
			peak := g.maxRunning.Load()
			if n <= peak || g.maxRunning.CompareAndSwap(peak, n) {
				break
			}
		}
		defer g.running.Add(-1)

		select {
		case err := <-g.gate(id):
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gatedActions) release(id string, err error) {
	g.gate(id) <- err
}

func (g *gatedActions) callCount(id string) int32 {
	counter, ok := g.calls.Load(id)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int32).Load()
}

func (g *gatedActions) nextStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for a task to start")
		return ""
	}
}

func (g *gatedActions) assertNoStart(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case id := <-g.started:
		t.Fatalf("task %q started unexpectedly", id)
	case <-time.After(within):
	}
}

type runResult struct {
	report *Report
	err    error
}

func startAsync(ctx context.Context, l *Loader) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		report, err := l.Start(ctx)
		out <- runResult{report: report, err: err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for Start to return")
		return runResult{}
	}
}

// A(pri=10), B(pri=5, deps=[A]), C(pri=1), budget 2: A and C start
// immediately, B only after A completes.
func TestLoader_DependentStartsAfterDependency(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithConcurrency(2), WithLogger(quietLogger())))
	require.NoError(t, l.RegisterTask("A", "Task A", 10, nil, g.action("A")))
	require.NoError(t, l.RegisterTask("B", "Task B", 5, []string{"A"}, g.action("B")))
	require.NoError(t, l.RegisterTask("C", "Task C", 1, nil, g.action("C")))

	done := startAsync(context.Background(), l)

	assert.Equal(t, "A", g.nextStarted(t))
	assert.Equal(t, "C", g.nextStarted(t))
	g.assertNoStart(t, 50*time.Millisecond)

	g.release("A", nil)
	assert.Equal(t, "B", g.nextStarted(t))

	g.release("C", nil)
	g.release("B", nil)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.True(t, res.report.Done)
	assert.Equal(t, []string{"A", "B", "C"}, res.report.Completed)
}

// A failed dependency fails its dependents immediately instead of leaving
// them pending.
func TestLoader_FailedDependencyBlocksDependents(t *testing.T) {
	var xCalls atomic.Int32
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("X", "X", 0, []string{"Y"}, func(ctx context.Context) error {
		xCalls.Add(1)
		return nil
	}))
	require.NoError(t, l.RegisterTask("Y", "Y", 0, nil, func(ctx context.Context) error {
		return errors.New("api unavailable")
	}))
	require.NoError(t, l.RegisterTask("Z", "Z", 0, nil, nil))

	var mu sync.Mutex
	states := map[string][]TaskState{}
	l.OnStateChange(func(id string, s TaskState) {
		mu.Lock()
		defer mu.Unlock()
		states[id] = append(states[id], s)
	})

	report, err := l.Start(context.Background())
	require.NoError(t, err)

	assert.Zero(t, xCalls.Load(), "blocked task's action must never run")
	assert.Equal(t, []string{"Y"}, report.Failed)
	assert.Equal(t, []string{"X"}, report.Blocked)
	assert.Equal(t, []string{"Z"}, report.Completed)
	assert.Empty(t, report.Pending)
	assert.True(t, report.Done)

	errs := report.Errors()
	assert.Contains(t, errs["Y"], "api unavailable")
	assert.Contains(t, errs["X"], ErrBlocked.Error())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskState{TaskFailed}, states["X"])
	assert.Equal(t, []TaskState{TaskRunning, TaskFailed}, states["Y"])
}

func TestLoader_RegistrationErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(l *Loader, action Action)
		wantErr error
	}{
		{
			name: "cycle",
			setup: func(l *Loader, action Action) {
				l.RegisterTask("D", "D", 0, []string{"E"}, action)
				l.RegisterTask("E", "E", 0, []string{"D"}, action)
			},
			wantErr: ErrCycle,
		},
		{
			name: "dangling dependency",
			setup: func(l *Loader, action Action) {
				l.RegisterTask("teams", "Teams", 0, []string{"users"}, action)
			},
			wantErr: ErrUnknownDependency,
		},
		{
			name: "ignored duplicate id",
			setup: func(l *Loader, action Action) {
				l.RegisterTask("users", "Users", 0, nil, action)
				_ = l.RegisterTask("users", "Users again", 0, nil, action)
			},
			wantErr: ErrDuplicateTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			l := New(WithLogger(quietLogger()))
			tt.setup(l, func(ctx context.Context) error {
				calls.Add(1)
				return nil
			})

			report, err := l.Start(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, report)
			assert.Zero(t, calls.Load(), "no action may run for an invalid graph")
		})
	}
}

// Budget 1 with five equal-priority tasks runs them one at a time in
// registration order.
func TestLoader_BudgetOneRunsInRegistrationOrder(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithConcurrency(1), WithLogger(quietLogger())))
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		require.NoError(t, l.RegisterTask(id, id, 0, nil, g.action(id)))
	}

	done := startAsync(context.Background(), l)

	for _, id := range ids {
		assert.Equal(t, id, g.nextStarted(t))
		g.assertNoStart(t, 20*time.Millisecond)
		g.release(id, nil)
	}

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, int32(1), g.maxRunning.Load())
	assert.Equal(t, ids, res.report.Completed)
}

func TestLoader_PriorityBreaksTies(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithConcurrency(1), WithLogger(quietLogger())))
	require.NoError(t, l.RegisterTask("low", "low", 1, nil, g.action("low")))
	require.NoError(t, l.RegisterTask("high", "high", 9, nil, g.action("high")))
	require.NoError(t, l.RegisterTask("mid-a", "mid", 5, nil, g.action("mid-a")))
	require.NoError(t, l.RegisterTask("mid-b", "mid", 5, nil, g.action("mid-b")))

	done := startAsync(context.Background(), l)

	for _, want := range []string{"high", "mid-a", "mid-b", "low"} {
		got := g.nextStarted(t)
		assert.Equal(t, want, got)
		g.release(got, nil)
	}

	res := waitResult(t, done)
	require.NoError(t, res.err)
}

// Raising the budget mid-run admits more tasks on the next pass without
// restarting anything.
func TestLoader_SetConcurrencyMidRun(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithConcurrency(1), WithLogger(quietLogger())))
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		require.NoError(t, l.RegisterTask(id, id, 0, nil, g.action(id)))
	}

	done := startAsync(context.Background(), l)

	assert.Equal(t, "t1", g.nextStarted(t))
	g.assertNoStart(t, 30*time.Millisecond)

	l.SetConcurrency(4)
	assert.Equal(t, 4, l.Concurrency())
	assert.Equal(t, "t2", g.nextStarted(t))
	assert.Equal(t, "t3", g.nextStarted(t))
	assert.Equal(t, "t4", g.nextStarted(t))
	g.assertNoStart(t, 30*time.Millisecond)
	require.Eventually(t, func() bool { return g.running.Load() == 4 }, waitTimeout, time.Millisecond)

	g.release("t1", nil)
	assert.Equal(t, "t5", g.nextStarted(t))
	for _, id := range ids[1:] {
		g.release(id, nil)
	}

	res := waitResult(t, done)
	require.NoError(t, res.err)
	for _, id := range ids {
		assert.Equal(t, int32(1), g.callCount(id), "task %s ran more than once", id)
	}
	assert.Equal(t, int32(4), g.maxRunning.Load())
}

func TestLoader_SetConcurrencyClampsToOne(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	l.SetConcurrency(0)
	assert.Equal(t, 1, l.Concurrency())
	l.SetConcurrency(-3)
	assert.Equal(t, 1, l.Concurrency())
}

// Progress reports a strictly increasing settled count, each after the
// matching state change, reaching total exactly once at the end.
func TestLoader_ProgressIsMonotonic(t *testing.T) {
	l := New(WithConcurrency(3), WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("root", "root", 0, nil, nil))
	require.NoError(t, l.RegisterTask("bad", "bad", 0, []string{"root"}, func(ctx context.Context) error {
		return errors.New("bad")
	}))
	require.NoError(t, l.RegisterTask("child", "child", 0, []string{"bad"}, nil))
	require.NoError(t, l.RegisterTask("grandchild", "grandchild", 0, []string{"child"}, nil))
	require.NoError(t, l.RegisterTask("side", "side", 0, []string{"root"}, nil))

	type call struct {
		kind      string
		id        string
		completed int
		total     int
		state     TaskState
	}
	var calls []call
	l.Subscribe(ObserverFuncs{
		OnStateChange: func(id string, s TaskState) {
			calls = append(calls, call{kind: "state", id: id, state: s})
		},
		OnProgress: func(completed, total int, id string) {
			calls = append(calls, call{kind: "progress", id: id, completed: completed, total: total})
		},
	})

	_, err := l.Start(context.Background())
	require.NoError(t, err)

	last := 0
	reachedTotal := 0
	var previous call
	for _, c := range calls {
		if c.kind != "progress" {
			previous = c
			continue
		}
		assert.Equal(t, 5, c.total)
		assert.Equal(t, last+1, c.completed, "progress must advance by one per settlement")
		assert.Equal(t, "state", previous.kind)
		assert.Equal(t, c.id, previous.id, "progress must follow the state change of the same task")
		assert.True(t, previous.state.Terminal())
		last = c.completed
		if c.completed == c.total {
			reachedTotal++
		}
	}
	assert.Equal(t, 5, last)
	assert.Equal(t, 1, reachedTotal)
}

// Randomised DAGs: actions never start before their dependencies succeeded,
// the budget is never exceeded, and every task ends terminal.
func TestLoader_RandomGraphsRespectDependenciesAndBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 25; trial++ {
		t.Run(fmt.Sprintf("trial-%d", trial), func(t *testing.T) {
			const n = 12
			budget := 1 + rng.Intn(4)

			deps := make([][]string, n)
			fails := make([]bool, n)
			for i := 0; i < n; i++ {
				for j := 0; j < i; j++ {
					if rng.Float64() < 0.25 {
						deps[i] = append(deps[i], fmt.Sprintf("task-%d", j))
					}
				}
				fails[i] = rng.Float64() < 0.1
			}

			var (
				mu         sync.Mutex
				succeeded  = map[string]bool{}
				violations []string
				running    atomic.Int32
				peak       atomic.Int32
			)

			l := New(WithConcurrency(budget), WithLogger(quietLogger()))
			for _, i := range rng.Perm(n) {
				id := fmt.Sprintf("task-%d", i)
				myDeps := deps[i]
				fail := fails[i]
				sleep := time.Duration(rng.Intn(500)) * time.Microsecond
				action := func(ctx context.Context) error {
					cur := running.Add(1)
					defer running.Add(-1)
					for {
						p := peak.Load()
						if cur <= p || peak.CompareAndSwap(p, cur) {
							break
						}
					}

					mu.Lock()
					for _, d := range myDeps {
						if !succeeded[d] {
							violations = append(violations, id+" before "+d)
						}
					}
					mu.Unlock()

					time.Sleep(sleep)
					if fail {
						return errors.New("injected")
					}
					mu.Lock()
					succeeded[id] = true
					mu.Unlock()
					return nil
				}
				require.NoError(t, l.RegisterTask(id, id, rng.Intn(3), myDeps, action))
			}

			report, err := l.Start(context.Background())
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			assert.Empty(t, violations)
			assert.LessOrEqual(t, int(peak.Load()), budget)
			assert.Equal(t, n, report.Settled())
			assert.Empty(t, report.Pending)
			assert.Empty(t, report.Running)
			assert.True(t, report.Done)
			for _, id := range report.Completed {
				assert.True(t, succeeded[id])
			}
		})
	}
}

func TestLoader_AbandonLetsInFlightFinish(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithConcurrency(1), WithLogger(quietLogger())))
	require.NoError(t, l.RegisterTask("users", "users", 0, nil, g.action("users")))
	require.NoError(t, l.RegisterTask("teams", "teams", 0, []string{"users"}, g.action("teams")))
	require.NoError(t, l.RegisterTask("documents", "documents", 0, nil, g.action("documents")))

	done := startAsync(context.Background(), l)
	assert.Equal(t, "users", g.nextStarted(t))

	l.Abandon()
	l.Abandon() // idempotent

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.True(t, res.report.Abandoned)
	assert.False(t, res.report.Done)
	assert.True(t, res.report.Ready())
	assert.Equal(t, []string{"users"}, res.report.Running)
	assert.Equal(t, []string{"teams", "documents"}, res.report.Pending)

	select {
	case <-l.Drained():
		t.Fatal("drained while an action was still in flight")
	default:
	}

	g.release("users", nil)
	select {
	case <-l.Drained():
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for background settlement")
	}

	after := l.Report()
	assert.Equal(t, []string{"users"}, after.Completed)
	assert.Equal(t, []string{"teams", "documents"}, after.Pending, "nothing launches after abandon")
	assert.Zero(t, g.callCount("teams"))
	assert.Zero(t, g.callCount("documents"))
}

func TestLoader_AbandonBeforeStart(t *testing.T) {
	var calls atomic.Int32
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("users", "users", 0, nil, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))

	l.Abandon()
	report, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Abandoned)
	assert.Equal(t, []string{"users"}, report.Pending)
	assert.Zero(t, calls.Load())
	<-l.Drained()
}

func TestLoader_ContextCancelAbandons(t *testing.T) {
	g := newGatedActions()
	l := g.attach(New(WithLogger(quietLogger())))
	require.NoError(t, l.RegisterTask("slow", "slow", 0, nil, g.action("slow")))

	ctx, cancel := context.WithCancel(context.Background())
	done := startAsync(ctx, l)
	g.nextStarted(t)
	cancel()

	res := waitResult(t, done)
	require.ErrorIs(t, res.err, ErrAbandoned)
	require.ErrorIs(t, res.err, context.Canceled)
	assert.True(t, res.report.Abandoned)

	<-l.Drained()
	after := l.Report()
	assert.Equal(t, []string{"slow"}, after.Failed)
	assert.Contains(t, after.Errors()["slow"], context.Canceled.Error(), "in-flight actions see the cancellation")
}

func TestLoader_ActionPanicBecomesFailure(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("boom", "boom", 0, nil, func(ctx context.Context) error {
		panic("nil map")
	}))
	require.NoError(t, l.RegisterTask("fine", "fine", 0, nil, nil))

	report, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"boom"}, report.Failed)
	assert.Equal(t, []string{"fine"}, report.Completed)

	task, ok := l.dag.Get("boom")
	require.True(t, ok)
	assert.ErrorIs(t, task.Err, ErrPanic)
}

func TestLoader_ObserverPanicDoesNotCorruptRun(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("a", "a", 0, nil, nil))
	require.NoError(t, l.RegisterTask("b", "b", 0, []string{"a"}, nil))

	l.OnStateChange(func(string, TaskState) { panic("bad observer") })
	var progress atomic.Int32
	l.OnProgress(func(int, int, string) { progress.Add(1) })

	report, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Completed)
	assert.Equal(t, int32(2), progress.Load())
}

func TestLoader_ObserverMayReadReport(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("a", "a", 0, nil, nil))

	var seen []int
	l.OnProgress(func(completed, total int, id string) {
		seen = append(seen, l.Report().Settled())
	})

	_, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, seen)
}

func TestLoader_LifecycleGuards(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	require.NoError(t, l.RegisterTask("a", "a", 0, nil, nil))

	report, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Done)

	err = l.RegisterTask("late", "late", 0, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, 1, l.Report().Total, "late registration must not change the registry")

	_, err = l.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestLoader_EmptyRegistry(t *testing.T) {
	l := New(WithLogger(quietLogger()))
	report, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Done)
	assert.Zero(t, report.Total)
	<-l.Drained()
}

func TestLoader_ReportDurations(t *testing.T) {
	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}

	l := New(WithLogger(quietLogger()), WithClock(clock))
	require.NoError(t, l.RegisterTask("a", "Load A", 3, nil, nil))

	report, err := l.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Tasks, 1)
	assert.Equal(t, "Load A", report.Tasks[0].Label)
	assert.Equal(t, "completed", report.Tasks[0].State)
	assert.Positive(t, report.Tasks[0].Duration)
	assert.True(t, report.FinishedAt.After(report.StartedAt))
}
