package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// taskModel is the GORM row for a task. Maps use the JSON serializer so the
// same model works on MySQL and SQLite.
type taskModel struct {
	ID           string         `gorm:"primaryKey;size:64"`
	ParentID     string         `gorm:"index;size:64"`
	RootID       string         `gorm:"index;size:64;not null"`
	UserID       string         `gorm:"size:128"`
	Name         string         `gorm:"size:255;not null"`
	Type         string         `gorm:"index;size:128;not null"`
	Status       string         `gorm:"index;size:32;not null"`
	Priority     int            `gorm:"not null;default:0"`
	Inputs       map[string]any `gorm:"serializer:json;type:text"`
	Params       map[string]any `gorm:"serializer:json;type:text"`
	Schemas      map[string]any `gorm:"serializer:json;type:text"`
	Result       map[string]any `gorm:"serializer:json;type:text"`
	Error        string         `gorm:"type:text"`
	Progress     float64
	HasChildren  bool
	Role         string `gorm:"size:32"`
	AllowPartial bool
	CreatedAt    time.Time `gorm:"autoCreateTime:false;index"`
	StartedAt    *time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
	CompletedAt  *time.Time
}

func (taskModel) TableName() string { return "tasks" }

// dependencyModel is one edge of the dependency graph.
type dependencyModel struct {
	TaskID      string `gorm:"primaryKey;size:64"`
	DependsOnID string `gorm:"primaryKey;size:64;index"`
	Required    bool
	Position    int
}

func (dependencyModel) TableName() string { return "task_dependencies" }

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a GORM connection and migrates the schema.
// driver is "mysql" or "sqlite"; the sqlite dialector runs on the pure-Go
// modernc driver.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("mysql requires a dsn")
		}
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "taskflow-gorm.db"
			log.Println("Using default SQLite DSN: ", dsn)
		}
		dialector = &sqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	gormLogger := logger.New(
		log.New(os.Stderr, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver != "mysql" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&taskModel{}, &dependencyModel{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTask stores a single task.
func (s *GormStore) CreateTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	t := scheduler.CloneTask(task)
	if err := s.CreateTaskTree(ctx, []*scheduler.Task{t}); err != nil {
		return nil, err
	}
	return scheduler.CloneTask(t), nil
}

// CreateTaskTree stores a batch of tasks sharing one root in one transaction.
func (s *GormStore) CreateTaskTree(ctx context.Context, tasks []*scheduler.Task) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookup := func(ctx context.Context, id string) (*scheduler.Task, error) {
			return gormGetTask(tx, id)
		}
		rootID, err := resolveRoot(ctx, tasks, lookup, time.Now())
		if err != nil {
			return err
		}

		existing, err := gormLoadTasks(tx, tx.Where("root_id = ?", rootID))
		if err != nil {
			return err
		}
		newParents, err := validateBatch(tasks, existing)
		if err != nil {
			return err
		}

		rows := make([]taskModel, 0, len(tasks))
		var edges []dependencyModel
		for _, t := range tasks {
			rows = append(rows, toModel(t))
			edges = append(edges, toEdges(t)...)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to insert tasks: %w", err)
		}
		if len(edges) > 0 {
			if err := tx.Create(&edges).Error; err != nil {
				return fmt.Errorf("failed to insert dependencies: %w", err)
			}
		}
		if len(newParents) > 0 {
			if err := tx.Model(&taskModel{}).Where("id IN ?", newParents).Update("has_children", true).Error; err != nil {
				return fmt.Errorf("failed to flag parents: %w", err)
			}
		}
		return nil
	})
}

// GetTaskByID retrieves a task by its ID, including dependencies.
func (s *GormStore) GetTaskByID(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return gormGetTask(s.db.WithContext(ctx), taskID)
}

// GetRootTask returns the root of the tree task belongs to.
func (s *GormStore) GetRootTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	id := task.RootID
	if id == "" {
		id = task.ID
	}
	return gormGetTask(s.db.WithContext(ctx), id)
}

// GetAllTasksInTree returns every task sharing root's tree, oldest first.
func (s *GormStore) GetAllTasksInTree(ctx context.Context, root *scheduler.Task) ([]*scheduler.Task, error) {
	rootID := root.RootID
	if rootID == "" {
		rootID = root.ID
	}
	db := s.db.WithContext(ctx)
	return gormLoadTasks(db, db.Where("root_id = ?", rootID))
}

// FindDependentTasks returns the tasks that list taskID as a dependency.
func (s *GormStore) FindDependentTasks(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	db := s.db.WithContext(ctx)
	sub := db.Model(&dependencyModel{}).Select("task_id").Where("depends_on_id = ?", taskID)
	return gormLoadTasks(db, db.Where("id IN (?)", sub))
}

// UpdateTask applies a user edit after re-validating against the stored tree.
func (s *GormStore) UpdateTask(ctx context.Context, taskID string, upd scheduler.TaskUpdate) (*scheduler.Task, error) {
	var updated *scheduler.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := gormGetTask(tx, taskID)
		if err != nil {
			return err
		}
		tree, err := gormLoadTasks(tx, tx.Where("root_id = ?", task.RootID))
		if err != nil {
			return err
		}
		if err := applyUserUpdate(task, upd, tree, time.Now()); err != nil {
			return err
		}

		row := toModel(task)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		if upd.Dependencies != nil {
			if err := tx.Where("task_id = ?", task.ID).Delete(&dependencyModel{}).Error; err != nil {
				return fmt.Errorf("failed to delete old dependencies: %w", err)
			}
			if edges := toEdges(task); len(edges) > 0 {
				if err := tx.Create(&edges).Error; err != nil {
					return fmt.Errorf("failed to insert dependencies: %w", err)
				}
			}
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SaveStatus applies a scheduler-owned transition to the stored record.
func (s *GormStore) SaveStatus(ctx context.Context, taskID string, upd scheduler.StatusUpdate) (*scheduler.Task, error) {
	var updated *scheduler.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := gormGetTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := scheduler.ApplyStatus(task, upd, time.Now()); err != nil {
			return err
		}
		row := toModel(task)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func gormGetTask(db *gorm.DB, taskID string) (*scheduler.Task, error) {
	var row taskModel
	err := db.Where("id = ?", taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	var edges []dependencyModel
	if err := db.Session(&gorm.Session{NewDB: true}).Where("task_id = ?", taskID).Order("position").Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	task := fromModel(row)
	for _, e := range edges {
		task.Dependencies = append(task.Dependencies, scheduler.Dependency{ID: e.DependsOnID, Required: e.Required})
	}
	return task, nil
}

// gormLoadTasks runs scope against the tasks table and attaches dependencies.
func gormLoadTasks(db, scope *gorm.DB) ([]*scheduler.Task, error) {
	var rows []taskModel
	if err := scope.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var edges []dependencyModel
	fresh := db.Session(&gorm.Session{NewDB: true})
	if err := fresh.Where("task_id IN ?", ids).Order("task_id, position").Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}

	tasks := make([]*scheduler.Task, 0, len(rows))
	byID := make(map[string]*scheduler.Task, len(rows))
	for _, r := range rows {
		t := fromModel(r)
		tasks = append(tasks, t)
		byID[t.ID] = t
	}
	for _, e := range edges {
		if t, ok := byID[e.TaskID]; ok {
			t.Dependencies = append(t.Dependencies, scheduler.Dependency{ID: e.DependsOnID, Required: e.Required})
		}
	}
	return tasks, nil
}

func toModel(t *scheduler.Task) taskModel {
	return taskModel{
		ID:           t.ID,
		ParentID:     t.ParentID,
		RootID:       t.RootID,
		UserID:       t.UserID,
		Name:         t.Name,
		Type:         t.Type,
		Status:       string(t.Status),
		Priority:     t.Priority,
		Inputs:       t.Inputs,
		Params:       t.Params,
		Schemas:      t.Schemas,
		Result:       t.Result,
		Error:        t.Error,
		Progress:     t.Progress,
		HasChildren:  t.HasChildren,
		Role:         string(t.Role),
		AllowPartial: t.AllowPartial,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func toEdges(t *scheduler.Task) []dependencyModel {
	edges := make([]dependencyModel, 0, len(t.Dependencies))
	for i, dep := range t.Dependencies {
		edges = append(edges, dependencyModel{TaskID: t.ID, DependsOnID: dep.ID, Required: dep.Required, Position: i})
	}
	return edges
}

func fromModel(r taskModel) *scheduler.Task {
	return &scheduler.Task{
		ID:           r.ID,
		ParentID:     r.ParentID,
		RootID:       r.RootID,
		UserID:       r.UserID,
		Name:         r.Name,
		Type:         r.Type,
		Status:       scheduler.TaskStatus(r.Status),
		Priority:     r.Priority,
		Inputs:       r.Inputs,
		Params:       r.Params,
		Schemas:      r.Schemas,
		Result:       r.Result,
		Error:        r.Error,
		Progress:     r.Progress,
		HasChildren:  r.HasChildren,
		Role:         scheduler.TaskRole(r.Role),
		AllowPartial: r.AllowPartial,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
}
