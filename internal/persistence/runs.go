package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aristath/preloader/internal/scheduler"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed" // settled with at least one failed or blocked task
	StatusAbandoned = "abandoned"
)

// RunSource is the part of a loader the journal reads.
type RunSource interface {
	Task(id string) (*scheduler.Task, bool)
	Report() *scheduler.Report
}

// Run journals one bootstrap run. It implements scheduler.Observer; write
// errors are logged, never returned to the loader.
type Run struct {
	ID string

	store  *SQLiteStore
	source RunSource

	mu       sync.Mutex
	finished bool
}

var _ scheduler.Observer = (*Run)(nil)

// StartRun inserts the run row and its plan in one transaction.
func (s *SQLiteStore) StartRun(ctx context.Context, source RunSource) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	report := source.Report()
	runID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, concurrency, total, status)
		VALUES (?, ?, ?, ?, ?)
	`, runID, toMillis(s.now()), report.Concurrency, report.Total, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	// All tasks first, so dependency rows can reference any of them.
	for seq, task := range report.Tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_id, seq, label, priority)
			VALUES (?, ?, ?, ?, ?)
		`, runID, task.ID, seq, task.Label, task.Priority)
		if err != nil {
			return nil, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}
	for _, task := range report.Tasks {
		for _, depID := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO run_task_dependencies (run_id, task_id, depends_on_id)
				VALUES (?, ?, ?)
			`, runID, task.ID, depID)
			if err != nil {
				return nil, fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("journal run started", "run", runID, "tasks", report.Total)
	return &Run{ID: runID, store: s, source: source}, nil
}

// TaskStateChanged appends a task_events row.
func (r *Run) TaskStateChanged(id string, state scheduler.TaskState) {
	var errStr, blockedBy string
	if task, ok := r.source.Task(id); ok {
		if task.Err != nil {
			errStr = task.Err.Error()
		}
		blockedBy = task.BlockedBy
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task_id, state, error, blocked_by, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, id, state.String(), errStr, blockedBy, toMillis(r.store.now()))
	if err != nil {
		r.store.logger.Error("journal: failed to record task event", "run", r.ID, "task", id, "error", err)
	}
}

// Progress updates the run's settled counter.
func (r *Run) Progress(completed, total int, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `UPDATE runs SET settled = ? WHERE id = ?`, completed, r.ID)
	if err != nil {
		r.store.logger.Error("journal: failed to record progress", "run", r.ID, "error", err)
	}
}

// Finish writes the outcome of the run. Only the first call has an effect.
func (r *Run) Finish(ctx context.Context, report *scheduler.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, completed = ?, failed = ?, blocked = ?, status = ?
		WHERE id = ?
	`, toMillis(report.FinishedAt), len(report.Completed), len(report.Failed), len(report.Blocked), runStatus(report), r.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.ID, err)
	}

	r.finished = true
	return nil
}

func runStatus(report *scheduler.Report) string {
	switch {
	case report.Abandoned:
		return StatusAbandoned
	case !report.Done:
		return StatusRunning
	case len(report.Failed) > 0 || len(report.Blocked) > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}
