package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// opTimeout bounds every journal statement.
const opTimeout = 5 * time.Second

// Journal records bootstrap runs for later inspection. The loader never
// reads it back.
type Journal interface {
	// StartRun records a new run and the plan it is about to execute.
	StartRun(ctx context.Context, source RunSource) (*Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// RunTasks returns the plan of a run in registration order.
	RunTasks(ctx context.Context, runID string) ([]PlannedTask, error)

	// RunEvents returns a run's task transitions in the order they happened.
	RunEvents(ctx context.Context, runID string) ([]TaskEvent, error)

	// DeleteRunsBefore removes runs started before cutoff. Returns the count.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Journal = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed journal at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; it is set by PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr, 2, logger)
}

// NewMemoryStore creates an in-memory journal, private to this store, for
// tests and for runs without a journal path.
func NewMemoryStore(ctx context.Context, logger *slog.Logger) (*SQLiteStore, error) {
	// A unique name keeps stores in the same process apart while letting
	// the pool's connections share one database.
	connStr := fmt.Sprintf("file:journal-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr, 1, logger)
}

func open(ctx context.Context, connStr string, maxConns int, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	store := &SQLiteStore{db: db, logger: logger, now: time.Now}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
