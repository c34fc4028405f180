package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Concurrency int
	Total       int
	Settled     int
	Completed   int
	Failed      int
	Blocked     int
	Status      string
}

// Elapsed returns the run's wall time, or 0 if it never finished.
func (r RunSummary) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PlannedTask is a task as registered for a run.
type PlannedTask struct {
	ID        string
	Label     string
	Priority  int
	DependsOn []string
}

// TaskEvent is a recorded state transition.
type TaskEvent struct {
	TaskID    string
	State     string
	Error     string
	BlockedBy string
	At        time.Time
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, concurrency, total, settled, completed, failed, blocked, status
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Concurrency, &r.Total, &r.Settled,
			&r.Completed, &r.Failed, &r.Blocked, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		if finished.Valid {
			r.FinishedAt = fromMillis(finished.Int64)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RunTasks returns the plan of a run in registration order.
func (s *SQLiteStore) RunTasks(ctx context.Context, runID string) ([]PlannedTask, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, label, priority
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run tasks: %w", err)
	}

	var tasks []PlannedTask
	index := make(map[string]int)
	for rows.Next() {
		var t PlannedTask
		if err := rows.Scan(&t.ID, &t.Label, &t.Priority); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run task: %w", err)
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	// Second query only after the first result set is closed: the memory
	// store has a single connection.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM run_task_dependencies
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

// RunEvents returns a run's task transitions in the order they happened.
func (s *SQLiteStore) RunEvents(ctx context.Context, runID string) ([]TaskEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, state, error, blocked_by, at
		FROM task_events
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var evs []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var at int64
		if err := rows.Scan(&ev.TaskID, &ev.State, &ev.Error, &ev.BlockedBy, &at); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.At = fromMillis(at)
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task events: %w", err)
	}

	return evs, nil
}

// DeleteRunsBefore removes runs, with their tasks and events, started before
// cutoff.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit deletes: the foreign_keys pragma is per connection, so
	// cascades are not guaranteed on every pooled connection.
	stale := `SELECT id FROM runs WHERE started_at < ?`
	for _, stmt := range []string{
		`DELETE FROM task_events WHERE run_id IN (` + stale + `)`,
		`DELETE FROM run_task_dependencies WHERE run_id IN (` + stale + `)`,
		`DELETE FROM run_tasks WHERE run_id IN (` + stale + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, toMillis(cutoff)); err != nil {
			return 0, fmt.Errorf("failed to prune run data: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}
