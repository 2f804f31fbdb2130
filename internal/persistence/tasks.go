package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, parent_id, root_id, user_id, name, type, status, priority,
	inputs, params, schemas, result, error, progress, has_children, role, allow_partial,
	created_at, started_at, updated_at, completed_at`

// CreateTask stores a single task. The root id is derived from the parent and
// dependencies are validated against the rest of the tree.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	t := scheduler.CloneTask(task)
	if err := s.CreateTaskTree(ctx, []*scheduler.Task{t}); err != nil {
		return nil, err
	}
	return scheduler.CloneTask(t), nil
}

// CreateTaskTree stores a batch of tasks sharing one root in a single
// transaction. Nothing is written if any task fails validation.
// Ids, root ids and defaults are filled in on the given tasks.
func (s *SQLiteStore) CreateTaskTree(ctx context.Context, tasks []*scheduler.Task) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lookup := func(ctx context.Context, id string) (*scheduler.Task, error) {
		return getTask(ctx, tx, id)
	}
	rootID, err := resolveRoot(ctx, tasks, lookup, time.Now())
	if err != nil {
		return err
	}

	existing, err := loadTasks(ctx, tx, "root_id = ?", rootID)
	if err != nil {
		return err
	}
	newParents, err := validateBatch(tasks, existing)
	if err != nil {
		return err
	}

	// Tasks first, then edges, so foreign keys resolve regardless of order
	for _, t := range tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if err := replaceDependencies(ctx, tx, t.ID, t.Dependencies); err != nil {
			return err
		}
	}
	for _, id := range newParents {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET has_children = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to flag parent %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTaskByID retrieves a task by its ID, including dependencies.
func (s *SQLiteStore) GetTaskByID(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return getTask(ctx, s.db, taskID)
}

// GetRootTask returns the root of the tree task belongs to.
func (s *SQLiteStore) GetRootTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	if task.RootID == "" || task.RootID == task.ID {
		return getTask(ctx, s.db, task.ID)
	}
	return getTask(ctx, s.db, task.RootID)
}

// GetAllTasksInTree returns every task sharing root's tree, oldest first.
func (s *SQLiteStore) GetAllTasksInTree(ctx context.Context, root *scheduler.Task) ([]*scheduler.Task, error) {
	rootID := root.RootID
	if rootID == "" {
		rootID = root.ID
	}
	return loadTasks(ctx, s.db, "root_id = ?", rootID)
}

// FindDependentTasks returns the tasks that list taskID as a dependency.
func (s *SQLiteStore) FindDependentTasks(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return loadTasks(ctx, s.db, "id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = ?)", taskID)
}

// UpdateTask applies a user edit after re-validating references and cycles
// against the stored tree.
func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID string, upd scheduler.TaskUpdate) (*scheduler.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	tree, err := loadTasks(ctx, tx, "root_id = ?", task.RootID)
	if err != nil {
		return nil, err
	}
	if err := applyUserUpdate(task, upd, tree, time.Now()); err != nil {
		return nil, err
	}

	if err := writeTask(ctx, tx, task); err != nil {
		return nil, err
	}
	if upd.Dependencies != nil {
		if err := replaceDependencies(ctx, tx, task.ID, task.Dependencies); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return task, nil
}

// SaveStatus applies a scheduler-owned transition to the stored record.
func (s *SQLiteStore) SaveStatus(ctx context.Context, taskID string, upd scheduler.StatusUpdate) (*scheduler.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := scheduler.ApplyStatus(task, upd, time.Now()); err != nil {
		return nil, err
	}
	if err := writeTask(ctx, tx, task); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return task, nil
}

func getTask(ctx context.Context, q queryer, taskID string) (*scheduler.Task, error) {
	tasks, err := loadTasks(ctx, q, "id = ?", taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return tasks[0], nil
}

// loadTasks reads the tasks matching where, then their dependencies. Rows are
// fully drained before the second query so a single connection suffices.
func loadTasks(ctx context.Context, q queryer, where string, args ...any) ([]*scheduler.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	depRows, err := q.QueryContext(ctx, `
		SELECT task_id, depends_on_id, required
		FROM task_dependencies
		WHERE task_id IN (SELECT id FROM tasks WHERE `+where+`)
		ORDER BY task_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID string
		var dep scheduler.Dependency
		if err := depRows.Scan(&taskID, &dep.ID, &dep.Required); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.Dependencies = append(task.Dependencies, dep)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		status, role                    string
		inputs, params, schemas, result sql.NullString
		createdAt, updatedAt            string
		startedAt, completedAt          sql.NullString
	)

	err := row.Scan(&task.ID, &task.ParentID, &task.RootID, &task.UserID, &task.Name, &task.Type,
		&status, &task.Priority, &inputs, &params, &schemas, &result, &task.Error, &task.Progress,
		&task.HasChildren, &role, &task.AllowPartial, &createdAt, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Status = scheduler.TaskStatus(status)
	task.Role = scheduler.TaskRole(role)

	for _, f := range []struct {
		src sql.NullString
		dst *map[string]any
	}{{inputs, &task.Inputs}, {params, &task.Params}, {schemas, &task.Schemas}, {result, &task.Result}} {
		if err := decodeMap(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", task.ID, err)
		}
	}

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return task, nil
}

func insertTask(ctx context.Context, q queryer, t *scheduler.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// writeTask overwrites the mutable columns of an existing task.
func writeTask(ctx context.Context, q queryer, t *scheduler.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// Skip id, parent_id, root_id: they never change after creation
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET
			user_id = ?, name = ?, type = ?, status = ?, priority = ?,
			inputs = ?, params = ?, schemas = ?, result = ?, error = ?, progress = ?,
			has_children = ?, role = ?, allow_partial = ?,
			created_at = ?, started_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, append(args[3:], t.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

// taskArgs returns the column values of t in taskColumns order.
func taskArgs(t *scheduler.Task) ([]any, error) {
	maps := make([]any, 4)
	for i, m := range []map[string]any{t.Inputs, t.Params, t.Schemas, t.Result} {
		v, err := encodeMap(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
		maps[i] = v
	}

	return []any{
		t.ID, t.ParentID, t.RootID, t.UserID, t.Name, t.Type, string(t.Status), t.Priority,
		maps[0], maps[1], maps[2], maps[3], t.Error, t.Progress, t.HasChildren, string(t.Role), t.AllowPartial,
		formatTime(t.CreatedAt), formatNullTime(t.StartedAt), formatTime(t.UpdatedAt), formatNullTime(t.CompletedAt),
	}, nil
}

func replaceDependencies(ctx context.Context, q queryer, taskID string, deps []scheduler.Dependency) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for i, dep := range deps {
		_, err := q.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, required, position)
			VALUES (?, ?, ?, ?)
		`, taskID, dep.ID, dep.Required, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, dep.ID, err)
		}
	}
	return nil
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(src sql.NullString, dst *map[string]any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
