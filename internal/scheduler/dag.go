package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// CompletionSet holds the IDs of tasks that completed successfully.
type CompletionSet map[string]struct{}

// Has reports whether id completed.
func (c CompletionSet) Has(id string) bool {
	_, ok := c[id]
	return ok
}

// DAG represents a directed acyclic graph of tasks, kept in registration order.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // IDs in registration order
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the DAG in state TaskPending. Dependencies may name
// tasks that are registered later; Validate checks them.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task %q: %w", task.ID, ErrDuplicateTask)
	}

	task.State = TaskPending
	task.seq = len(d.order)
	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)

	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Len returns the number of registered tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Count returns the number of tasks in state s.
func (d *DAG) Count(s TaskState) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, task := range d.tasks {
		if task.State == s {
			n++
		}
	}
	return n
}

// Validate verifies all dependencies exist and runs a topological sort with
// gammazero/toposort. Returns the sorted task IDs or an error wrapping
// ErrUnknownDependency or ErrCycle.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on %q: %w", taskID, depID, ErrUnknownDependency)
			}
		}
	}

	// Edge (depID, taskID) means depID must come before taskID. Edges are
	// built in registration order so the result is stable across runs.
	var edges []toposort.Edge
	for _, taskID := range d.order {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (involving %s)", ErrCycle, err, strings.Join(d.cycleMembers(), ", "))
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Every task on a cycle is unreachable from a root, so a short result
	// also means a cycle.
	if len(order) != len(d.tasks) {
		return nil, fmt.Errorf("%w: involving %s", ErrCycle, strings.Join(d.cycleMembers(), ", "))
	}

	return order, nil
}

// cycleMembers returns, in registration order, the tasks left over after
// repeatedly peeling off tasks whose dependencies are all peeled (Kahn).
// Caller holds d.mu.
func (d *DAG) cycleMembers() []string {
	indegree := make(map[string]int, len(d.tasks))
	for _, id := range d.order {
		indegree[id] = len(d.tasks[id].DependsOn)
	}

	queue := []string{}
	for _, id := range d.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range d.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	var members []string
	for _, id := range d.order {
		if indegree[id] > 0 {
			members = append(members, id)
		}
	}
	return members
}

// Waves groups tasks by dependency depth: wave 0 has no dependencies, wave n
// depends on at least one task in wave n-1. Each wave is ordered by priority
// then registration. Requires a valid DAG.
func (d *DAG) Waves() ([][]string, error) {
	order, err := d.Validate()
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		level := 0
		for _, depID := range d.tasks[id].DependsOn {
			if depth[depID]+1 > level {
				level = depth[depID] + 1
			}
		}
		depth[id] = level
		if level > maxDepth {
			maxDepth = level
		}
	}

	waves := make([][]*Task, maxDepth+1)
	for _, id := range d.order {
		waves[depth[id]] = append(waves[depth[id]], d.tasks[id])
	}

	out := make([][]string, len(waves))
	for i, wave := range waves {
		sortByPriority(wave)
		for _, task := range wave {
			out[i] = append(out[i], task.ID)
		}
	}
	return out, nil
}

// Eligible returns the pending tasks whose dependencies are all in completed,
// highest priority first, ties in registration order. It does not mutate
// anything and is safe to call after every settlement.
func (d *DAG) Eligible(completed CompletionSet) []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eligible := []*Task{}
	for _, id := range d.order {
		task := d.tasks[id]
		if task.State != TaskPending {
			continue
		}

		allResolved := true
		for _, depID := range task.DependsOn {
			if !completed.Has(depID) {
				allResolved = false
				break
			}
		}

		if allResolved {
			eligible = append(eligible, cloneTask(task))
		}
	}

	sortByPriority(eligible)
	return eligible
}

// Completed returns the current completion set.
func (d *DAG) Completed() CompletionSet {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := make(CompletionSet)
	for id, task := range d.tasks {
		if task.State == TaskCompleted {
			set[id] = struct{}{}
		}
	}
	return set
}

// MarkRunning moves a task from pending to running.
func (d *DAG) MarkRunning(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskPending)
	if err != nil {
		return err
	}

	task.State = TaskRunning
	task.StartedAt = at
	return nil
}

// MarkCompleted moves a task from running to completed.
func (d *DAG) MarkCompleted(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskRunning)
	if err != nil {
		return err
	}

	task.State = TaskCompleted
	task.FinishedAt = at
	return nil
}

// MarkFailed moves a task from running to failed and stores its error.
func (d *DAG) MarkFailed(taskID string, taskErr error, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.transition(taskID, TaskRunning)
	if err != nil {
		return err
	}

	task.State = TaskFailed
	task.Err = taskErr
	task.FinishedAt = at
	return nil
}

// BlockDependents fails every pending task that transitively depends on
// failedID. Returns the blocked IDs in registration order.
func (d *DAG) BlockDependents(failedID string, at time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocked := map[string]bool{}
	stack := append([]string(nil), d.dependents[failedID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		task, ok := d.tasks[id]
		if !ok || blocked[id] || task.State != TaskPending {
			continue
		}
		blocked[id] = true
		stack = append(stack, d.dependents[id]...)
	}

	var ids []string
	for _, id := range d.order {
		if !blocked[id] {
			continue
		}
		task := d.tasks[id]
		task.State = TaskFailed
		task.BlockedBy = failedID
		task.Err = fmt.Errorf("%w: %q failed", ErrBlocked, failedID)
		task.FinishedAt = at
		ids = append(ids, id)
	}
	return ids
}

// transition looks up a task and checks it is in the expected state.
// Caller holds d.mu.
func (d *DAG) transition(taskID string, from TaskState) (*Task, error) {
	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if task.State != from {
		return nil, fmt.Errorf("task %q is %s, expected %s", taskID, task.State, from)
	}
	return task, nil
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks in registration order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Order returns topologically sorted task IDs (calls Validate).
func (d *DAG) Order() ([]string, error) {
	return d.Validate()
}

func sortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].seq < tasks[j].seq
	})
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return &cp
}
