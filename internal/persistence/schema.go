package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Maps are stored as JSON text, timestamps as RFC 3339 text in UTC.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		root_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		inputs TEXT,
		params TEXT,
		schemas TEXT,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		has_children INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT '',
		allow_partial INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_root_id ON tasks(root_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		required INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
