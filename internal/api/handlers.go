// Package api exposes the task manager over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/taskerr"
)

// Handler serves the admin routes.
type Handler struct {
	Manager   *orchestrator.Manager
	Store     persistence.Store
	Executors *executor.Registry

	// runCtx bounds runs started over HTTP. Request contexts end with the
	// request, runs must not.
	runCtx context.Context
}

// NewHandler creates a handler. Runs it starts live as long as runCtx.
func NewHandler(runCtx context.Context, mgr *orchestrator.Manager, store persistence.Store, executors *executor.Registry) *Handler {
	return &Handler{Manager: mgr, Store: store, Executors: executors, runCtx: runCtx}
}

// CreateTreeRequest is the body of POST /trees.
type CreateTreeRequest struct {
	Tasks []orchestrator.TaskDefinition `json:"tasks"`
}

// TreeResponse is a root task with every task of its tree.
type TreeResponse struct {
	Root  *scheduler.Task   `json:"root"`
	Tasks []*scheduler.Task `json:"tasks"`
}

func (h *Handler) Ping(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{"message": "pong"})
}

func (h *Handler) CreateTree(ctx context.Context, c *app.RequestContext) {
	var req CreateTreeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	tasks, err := h.Manager.CreateTree(ctx, req.Tasks)
	if err != nil {
		writeError(c, "create tree", err)
		return
	}
	hlog.CtxInfof(ctx, "Created tree %s with %d tasks", tasks[0].RootID, len(tasks))
	c.JSON(http.StatusCreated, TreeResponse{Root: tasks[0], Tasks: tasks})
}

func (h *Handler) GetTree(ctx context.Context, c *app.RequestContext) {
	task, err := h.Store.GetTaskByID(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "get tree", err)
		return
	}
	root := task
	if !task.IsRoot() {
		if root, err = h.Store.GetRootTask(ctx, task); err != nil {
			writeError(c, "get tree", err)
			return
		}
	}

	tasks, err := h.Store.GetAllTasksInTree(ctx, root)
	if err != nil {
		writeError(c, "get tree", err)
		return
	}
	c.JSON(http.StatusOK, TreeResponse{Root: root, Tasks: tasks})
}

// RunTree starts a background run. Query parameters fail_fast and
// concurrency override the configured defaults.
func (h *Handler) RunTree(ctx context.Context, c *app.RequestContext) {
	var opts []orchestrator.RunOption
	if v := c.Query("fail_fast"); v != "" {
		failFast, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid fail_fast value"})
			return
		}
		opts = append(opts, orchestrator.WithFailFast(failFast))
	}
	if v := c.Query("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid concurrency value"})
			return
		}
		opts = append(opts, orchestrator.WithConcurrency(n))
	}

	rootID := c.Param("id")
	if err := h.Manager.RunTreeAsync(h.runCtx, rootID, opts...); err != nil {
		writeError(c, "run tree", err)
		return
	}
	c.JSON(http.StatusAccepted, utils.H{"root_id": rootID, "status": "started"})
}

func (h *Handler) CloneTree(ctx context.Context, c *app.RequestContext) {
	tasks, err := h.Manager.CloneTree(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "clone tree", err)
		return
	}
	var root *scheduler.Task
	for _, t := range tasks {
		if t.IsRoot() {
			root = t
		}
	}
	c.JSON(http.StatusCreated, TreeResponse{Root: root, Tasks: tasks})
}

func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	task, err := h.Store.GetTaskByID(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) UpdateTask(ctx context.Context, c *app.RequestContext) {
	var upd scheduler.TaskUpdate
	if err := c.BindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	task, err := h.Manager.UpdateTask(ctx, c.Param("id"), upd)
	if err != nil {
		writeError(c, "update task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) CancelTask(ctx context.Context, c *app.RequestContext) {
	res, err := h.Manager.Cancel(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "cancel task", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Running(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{
		"trees": h.Manager.Running(),
		"tasks": h.Manager.Tracker().ListRunning(),
	})
}

func (h *Handler) ListExecutors(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, h.Executors.Describe())
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var conflict *taskerr.ConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case taskerr.IsStructural(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *app.RequestContext, op string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		hlog.Errorf("Failed to %s: %v", op, err)
	}
	c.JSON(status, utils.H{"error": err.Error()})
}
