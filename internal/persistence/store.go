package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task id does not resolve to a stored record.
var ErrNotFound = errors.New("task not found")

// Store defines the persistence interface for task trees.
type Store interface {
	// Creation
	CreateTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error)
	CreateTaskTree(ctx context.Context, tasks []*scheduler.Task) error

	// Lookup
	GetTaskByID(ctx context.Context, taskID string) (*scheduler.Task, error)
	GetRootTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error)
	GetAllTasksInTree(ctx context.Context, root *scheduler.Task) ([]*scheduler.Task, error)
	FindDependentTasks(ctx context.Context, taskID string) ([]*scheduler.Task, error)

	// Updates. UpdateTask carries user edits, SaveStatus the scheduler's own.
	UpdateTask(ctx context.Context, taskID string, upd scheduler.TaskUpdate) (*scheduler.Task, error)
	SaveStatus(ctx context.Context, taskID string, upd scheduler.StatusUpdate) (*scheduler.Task, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named shared-cache database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskflow-%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every write is serialized and the PRAGMA below sticks.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
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
