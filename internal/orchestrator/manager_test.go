package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/executor/builtin"
	"github.com/aristath/taskflow/internal/extension"
	"github.com/aristath/taskflow/internal/hooks"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/streaming/streamingtest"
	"github.com/aristath/taskflow/internal/taskerr"
)

type execFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// funcExecutor adapts a function to the executor contract.
type funcExecutor struct {
	executor.Base
	id         string
	fn         execFunc
	cancelable bool
}

func (f *funcExecutor) ID() string       { return "test." + f.id }
func (f *funcExecutor) Name() string     { return f.id }
func (f *funcExecutor) Cancelable() bool { return f.cancelable }
func (f *funcExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f.fn(ctx, inputs)
}

type harness struct {
	mgr      *Manager
	store    *persistence.SQLiteStore
	reg      *executor.Registry
	rec      *streamingtest.Recorder
	pipeline *hooks.Pipeline
	tracker  *scheduler.Tracker
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ext := extension.NewRegistry()
	reg := executor.NewRegistry(ext)
	if err := builtin.Register(reg, nil); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}

	h := &harness{
		store:    store,
		reg:      reg,
		rec:      streamingtest.NewRecorder(),
		pipeline: hooks.NewPipeline(ext),
		tracker:  scheduler.NewTracker(),
	}
	h.register(t, "fail", false, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("exploded")
	})

	cfg := Config{
		Store:       store,
		Executors:   reg,
		Hooks:       h.pipeline,
		Tracker:     h.tracker,
		Sink:        h.rec,
		Concurrency: 4,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.mgr = NewManager(cfg)
	t.Cleanup(h.mgr.Wait)
	return h
}

func (h *harness) register(t *testing.T, taskType string, nonCancelable bool, fn execFunc) {
	t.Helper()
	ctor := func(map[string]any) (executor.Executor, error) {
		return &funcExecutor{id: taskType, fn: fn, cancelable: !nonCancelable}, nil
	}
	if err := h.reg.Register(taskType, ctor, nil, false); err != nil {
		t.Fatalf("failed to register %q: %v", taskType, err)
	}
}

// registerBlocking registers an executor that signals started and waits for
// release or cancellation.
func (h *harness) registerBlocking(t *testing.T, taskType string, nonCancelable bool) (started, release chan struct{}) {
	t.Helper()
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	h.register(t, taskType, nonCancelable, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return map[string]any{"released": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return started, release
}

func (h *harness) create(t *testing.T, defs ...TaskDefinition) map[string]*scheduler.Task {
	t.Helper()
	tasks, err := h.mgr.CreateTree(context.Background(), defs)
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}
	byName := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}
	return byName
}

func (h *harness) load(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := h.store.GetTaskByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load task %s: %v", id, err)
	}
	return task
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for executor to start")
	}
}

func dep(key string) DependencyDef { return DependencyDef{ID: key} }

func optional(key string) DependencyDef {
	required := false
	return DependencyDef{ID: key, Required: &required}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestExecuteTree_DependencyOrder(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "B", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("A")}},
		TaskDefinition{Name: "A", ParentID: "root", Type: builtin.TypeNoop, Priority: 9},
	)

	summary, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}
	if !summary.Succeeded() {
		t.Fatalf("expected every task to complete, got %s", summary)
	}

	a, b := tree["A"].ID, tree["B"].ID
	if indexOf(summary.Started, a) > indexOf(summary.Started, b) {
		t.Errorf("expected A to start before B, got order %v", summary.Started)
	}
	storedA, storedB := h.load(t, a), h.load(t, b)
	if storedB.StartedAt.Before(*storedA.CompletedAt) {
		t.Errorf("B started at %v before A completed at %v", storedB.StartedAt, storedA.CompletedAt)
	}
}

func TestExecuteTree_NoopRoundTrip(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t, TaskDefinition{Name: "only", Type: builtin.TypeNoop})

	if _, err := h.mgr.ExecuteTree(context.Background(), tree["only"].ID); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	task := h.load(t, tree["only"].ID)
	if task.Status != scheduler.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	if task.Result["ok"] != true {
		t.Errorf("expected result {ok: true}, got %v", task.Result)
	}
	if task.Progress != 1 {
		t.Errorf("expected progress 1, got %v", task.Progress)
	}
	if task.CompletedAt == nil || task.StartedAt == nil {
		t.Errorf("expected started_at and completed_at to be set")
	}
	if h.tracker.IsRunning(task.ID) {
		t.Errorf("task still tracked as running")
	}
}

func TestExecuteTree_EventOrder(t *testing.T) {
	h := newHarness(t)
	h.register(t, "halfway", false, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		executor.ReportProgress(ctx, 0.5, "half done")
		return map[string]any{"done": true}, nil
	})
	tree := h.create(t, TaskDefinition{Name: "only", Type: "halfway"})
	id := tree["only"].ID

	if _, err := h.mgr.ExecuteTree(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	evs := h.rec.ForTask(id)
	want := []events.Type{events.TypeTaskStart, events.TypeProgress, events.TypeTaskCompleted, events.TypeFinal}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), h.rec.Types(id))
	}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.RootID != id {
			t.Errorf("event %d: expected root id %s, got %q", i, id, ev.RootID)
		}
	}
	if p := evs[1].Progress; p == nil || *p != 0.5 {
		t.Errorf("expected progress 0.5, got %v", p)
	}
	if evs[1].Message != "half done" {
		t.Errorf("expected progress message, got %q", evs[1].Message)
	}
	if !evs[3].Final || evs[3].Status != string(scheduler.TaskCompleted) {
		t.Errorf("unexpected final event: %+v", evs[3])
	}
	if evs[3].Metadata[events.MetaExecutor] != "test.halfway" {
		t.Errorf("expected executor id in metadata, got %v", evs[3].Metadata)
	}
}

func TestExecuteTree_FailedDependencyBlocksDependents(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "A", ParentID: "root", Type: "fail"},
		TaskDefinition{Name: "B", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("A")}},
		TaskDefinition{Name: "C", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("B")}},
		TaskDefinition{Name: "D", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{optional("A")}},
	)

	summary, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}
	if summary.Succeeded() {
		t.Fatal("expected run with failures")
	}

	testCases := []struct {
		name   string
		status scheduler.TaskStatus
		errMsg string
	}{
		{"A", scheduler.TaskFailed, "exploded"},
		{"B", scheduler.TaskFailed, "blocked by dependency A (failed)"},
		{"C", scheduler.TaskFailed, "blocked by dependency B (failed)"},
		{"D", scheduler.TaskCompleted, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			task := h.load(t, tree[tc.name].ID)
			if task.Status != tc.status {
				t.Errorf("expected %s, got %s", tc.status, task.Status)
			}
			if task.Error != tc.errMsg {
				t.Errorf("expected error %q, got %q", tc.errMsg, task.Error)
			}
		})
	}

	for _, ev := range h.rec.ForTask(tree["B"].ID) {
		if ev.Type == events.TypeTaskStart {
			t.Error("blocked task must never start")
		}
		if ev.Final && ev.Metadata[events.MetaBlockedBy] != tree["A"].ID {
			t.Errorf("expected blocked_by %s, got %v", tree["A"].ID, ev.Metadata)
		}
	}
}

func TestExecuteTree_Aggregation(t *testing.T) {
	testCases := []struct {
		name         string
		allowPartial bool
		wantStatus   scheduler.TaskStatus
	}{
		{"strict", false, scheduler.TaskFailed},
		{"partial", true, scheduler.TaskCompleted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tree := h.create(t,
				TaskDefinition{Name: "root", Type: builtin.TypeNoop},
				TaskDefinition{Name: "good", ParentID: "root", Type: builtin.TypeNoop},
				TaskDefinition{Name: "bad", ParentID: "root", Type: "fail"},
				TaskDefinition{Name: "collect", ParentID: "root", Type: builtin.TypeAggregate,
					Role: scheduler.RoleAggregate, AllowPartial: tc.allowPartial},
			)

			if _, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID); err != nil {
				t.Fatalf("ExecuteTree failed: %v", err)
			}

			agg := h.load(t, tree["collect"].ID)
			if agg.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s (%s)", tc.wantStatus, agg.Status, agg.Error)
			}
			if tc.allowPartial {
				if fmt.Sprint(agg.Result["succeeded"]) != "1" || fmt.Sprint(agg.Result["failed"]) != "1" {
					t.Errorf("unexpected aggregate result: %v", agg.Result)
				}
				results, _ := agg.Result["results"].(map[string]any)
				if _, ok := results[tree["good"].ID]; !ok {
					t.Errorf("expected result of good member, got %v", results)
				}
				return
			}
			if !strings.Contains(agg.Error, "aggregation failed") || !strings.Contains(agg.Error, "bad") {
				t.Errorf("unexpected aggregation error %q", agg.Error)
			}
		})
	}
}

func TestExecuteTree_FailFast(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "A", ParentID: "root", Type: "fail"},
		TaskDefinition{Name: "B", ParentID: "root", Type: builtin.TypeNoop, Priority: 5},
	)

	summary, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID, WithFailFast(true), WithConcurrency(1))
	if err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	b := h.load(t, tree["B"].ID)
	if b.Status != scheduler.TaskCancelled {
		t.Fatalf("expected B cancelled after fail-fast, got %s", b.Status)
	}
	if !strings.HasPrefix(b.Error, "cancelled: fail-fast") {
		t.Errorf("unexpected cancellation reason %q", b.Error)
	}
	if summary.Counts[scheduler.TaskCompleted] != 1 || summary.Counts[scheduler.TaskFailed] != 1 {
		t.Errorf("unexpected counts %v", summary.Counts)
	}
}

func TestExecuteTree_UnknownExecutorType(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var post []string
	h.pipeline.RegisterPostHook(func(ctx context.Context, task *scheduler.Task, _, _ map[string]any, _ error) error {
		mu.Lock()
		post = append(post, task.ID)
		mu.Unlock()
		return nil
	})
	tree := h.create(t, TaskDefinition{Name: "ghost", Type: "missing"})

	if _, err := h.mgr.ExecuteTree(context.Background(), tree["ghost"].ID); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	task := h.load(t, tree["ghost"].ID)
	if task.Status != scheduler.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.Error, `no executor registered for type "missing"`) {
		t.Errorf("unexpected error %q", task.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(post) != 0 {
		t.Errorf("post hooks must not run without an executor, ran for %v", post)
	}
}

func TestExecuteTree_ConstructorErrorRunsPostHooks(t *testing.T) {
	h := newHarness(t)
	broken := func(params map[string]any) (executor.Executor, error) {
		if params["explode"] == true {
			return nil, errors.New("bad params")
		}
		return &funcExecutor{id: "broken", cancelable: true}, nil
	}
	if err := h.reg.Register("broken", broken, nil, false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	var mu sync.Mutex
	var postErrs []error
	h.pipeline.RegisterPostHook(func(ctx context.Context, task *scheduler.Task, _, _ map[string]any, execErr error) error {
		mu.Lock()
		postErrs = append(postErrs, execErr)
		mu.Unlock()
		return nil
	})
	tree := h.create(t, TaskDefinition{Name: "bad", Type: "broken", Params: map[string]any{"explode": true}})

	if _, err := h.mgr.ExecuteTree(context.Background(), tree["bad"].ID); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	if task := h.load(t, tree["bad"].ID); task.Status != scheduler.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(postErrs) != 1 {
		t.Fatalf("expected post hooks to run once, ran %d times", len(postErrs))
	}
	var initErr *taskerr.ExecutorInitError
	if !errors.As(postErrs[0], &initErr) {
		t.Errorf("expected ExecutorInitError in post hook, got %v", postErrs[0])
	}
}

func TestExecuteTree_InvalidInputsFail(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t, TaskDefinition{Name: "nap", Type: builtin.TypeSleep, Inputs: map[string]any{"steps": 2}})

	if _, err := h.mgr.ExecuteTree(context.Background(), tree["nap"].ID); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}
	if task := h.load(t, tree["nap"].ID); task.Status != scheduler.TaskFailed {
		t.Errorf("expected failed on missing duration, got %s", task.Status)
	}
}

func TestCancel_PendingTask(t *testing.T) {
	h := newHarness(t)
	started, release := h.registerBlocking(t, "block", false)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: "block"},
		TaskDefinition{Name: "child", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("root")}},
	)

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	res, err := h.mgr.Cancel(context.Background(), tree["child"].ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Status != executor.CancelAccepted {
		t.Errorf("expected accepted, got %s", res.Status)
	}

	close(release)
	h.mgr.Wait()

	if child := h.load(t, tree["child"].ID); child.Status != scheduler.TaskCancelled {
		t.Errorf("expected child cancelled, got %s", child.Status)
	}
	if root := h.load(t, tree["root"].ID); root.Status != scheduler.TaskCompleted {
		t.Errorf("expected root completed, got %s", root.Status)
	}
	for _, ev := range h.rec.ForTask(tree["child"].ID) {
		if ev.Type == events.TypeTaskStart {
			t.Error("cancelled pending task must never start")
		}
	}

	if _, err := h.mgr.Cancel(context.Background(), tree["child"].ID); err == nil {
		t.Error("expected error cancelling a finished task")
	}
}

func TestCancel_ExecutingTask(t *testing.T) {
	h := newHarness(t)
	started, _ := h.registerBlocking(t, "block", false)
	tree := h.create(t, TaskDefinition{Name: "root", Type: "block"})

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	res, err := h.mgr.Cancel(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Status != executor.CancelAccepted {
		t.Errorf("expected accepted, got %s (%s)", res.Status, res.Message)
	}
	h.mgr.Wait()

	root := h.load(t, tree["root"].ID)
	if root.Status != scheduler.TaskCancelled {
		t.Fatalf("expected cancelled, got %s (%s)", root.Status, root.Error)
	}
	evs := h.rec.ForTask(tree["root"].ID)
	final := evs[len(evs)-1]
	if final.Metadata[events.MetaCancelRequested] != true {
		t.Errorf("expected cancel_requested in final metadata, got %v", final.Metadata)
	}
	if _, deferred := final.Metadata[events.MetaCancelDeferred]; deferred {
		t.Error("cancelable executor must not report a deferred cancel")
	}
}

func TestCancel_NonCancelableCompletes(t *testing.T) {
	h := newHarness(t)
	started, release := h.registerBlocking(t, "stubborn", true)
	tree := h.create(t, TaskDefinition{Name: "root", Type: "stubborn"})

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	res, err := h.mgr.Cancel(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Status != executor.CancelDeferred {
		t.Errorf("expected deferred, got %s", res.Status)
	}

	close(release)
	h.mgr.Wait()

	root := h.load(t, tree["root"].ID)
	if root.Status != scheduler.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", root.Status, root.Error)
	}
	evs := h.rec.ForTask(tree["root"].ID)
	final := evs[len(evs)-1]
	if final.Type != events.TypeFinal {
		t.Fatalf("expected final event last, got %s", final.Type)
	}
	if final.Metadata[events.MetaCancelRequested] != true || final.Metadata[events.MetaCancelDeferred] != true {
		t.Errorf("expected deferred cancel in final metadata, got %v", final.Metadata)
	}
}

func TestExecuteTree_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	started, _ := h.registerBlocking(t, "block", false)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: "block"},
		TaskDefinition{Name: "child", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("root")}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	summary, err := h.mgr.ExecuteTree(ctx, tree["root"].ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary == nil {
		t.Fatal("expected a summary")
	}

	root, _ := summary.Task(tree["root"].ID)
	child, _ := summary.Task(tree["child"].ID)
	if root.Status != scheduler.TaskCancelled || child.Status != scheduler.TaskCancelled {
		t.Errorf("expected both cancelled, got root=%s child=%s", root.Status, child.Status)
	}
	if stored := h.load(t, tree["child"].ID); stored.Status != scheduler.TaskCancelled {
		t.Errorf("expected stored child cancelled, got %s", stored.Status)
	}
}

func TestExecuteTree_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	started, release := h.registerBlocking(t, "block", false)
	tree := h.create(t, TaskDefinition{Name: "root", Type: "block"})

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	_, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID)
	var conflict *taskerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if running := h.mgr.Running(); len(running) != 1 || running[0] != tree["root"].ID {
		t.Errorf("unexpected running trees %v", running)
	}

	close(release)
	h.mgr.Wait()
	if running := h.mgr.Running(); len(running) != 0 {
		t.Errorf("expected no running trees, got %v", running)
	}
}

func TestUpdateTask_EditReachesRunningTree(t *testing.T) {
	h := newHarness(t)
	started, release := h.registerBlocking(t, "block", false)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: "block"},
		TaskDefinition{Name: "child", ParentID: "root", Type: builtin.TypeNoop,
			Inputs: map[string]any{"echo": "before"}, Dependencies: []DependencyDef{dep("root")}},
	)

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	if _, err := h.mgr.UpdateTask(context.Background(), tree["root"].ID, scheduler.TaskUpdate{Inputs: map[string]any{}}); err == nil {
		t.Error("expected conflict editing an executing task")
	}

	upd := scheduler.TaskUpdate{Inputs: map[string]any{"echo": "after"}}
	if _, err := h.mgr.UpdateTask(context.Background(), tree["child"].ID, upd); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	close(release)
	h.mgr.Wait()

	child := h.load(t, tree["child"].ID)
	if child.Result["echo"] != "after" {
		t.Errorf("expected edited input to reach execution, got %v", child.Result)
	}
}

func TestUpdateTask_ConflictWhileTracked(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t, TaskDefinition{Name: "root", Type: builtin.TypeNoop})

	h.tracker.Start(tree["root"].ID)
	defer h.tracker.Stop(tree["root"].ID)

	priority := 3
	_, err := h.mgr.UpdateTask(context.Background(), tree["root"].ID, scheduler.TaskUpdate{Priority: &priority})
	var conflict *taskerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestCreateTree_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		defs  []TaskDefinition
		check func(error) bool
	}{
		{
			name:  "empty",
			defs:  nil,
			check: func(err error) bool { var v *taskerr.ValidationError; return errors.As(err, &v) },
		},
		{
			name:  "two roots",
			defs:  []TaskDefinition{{Name: "a", Type: "noop"}, {Name: "b", Type: "noop"}},
			check: func(err error) bool { var v *taskerr.ValidationError; return errors.As(err, &v) },
		},
		{
			name:  "unknown dependency",
			defs:  []TaskDefinition{{Name: "a", Type: "noop", Dependencies: []DependencyDef{dep("ghost")}}},
			check: func(err error) bool { var r *taskerr.ReferenceError; return errors.As(err, &r) },
		},
		{
			name: "cycle",
			defs: []TaskDefinition{
				{Name: "root", Type: "noop"},
				{Name: "x", ParentID: "root", Type: "noop", Dependencies: []DependencyDef{dep("y")}},
				{Name: "y", ParentID: "root", Type: "noop", Dependencies: []DependencyDef{dep("x")}},
			},
			check: func(err error) bool { var c *taskerr.CycleError; return errors.As(err, &c) },
		},
		{
			name:  "unknown parent",
			defs:  []TaskDefinition{{Name: "root", Type: "noop"}, {Name: "x", ParentID: "nobody", Type: "noop"}},
			check: func(err error) bool { var v *taskerr.ValidationError; return errors.As(err, &v) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.mgr.CreateTree(context.Background(), tc.defs)
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestCreateTree_CapturesSchema(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t, TaskDefinition{Name: "nap", Type: builtin.TypeSleep, Inputs: map[string]any{"duration": "1ms"}})

	task := h.load(t, tree["nap"].ID)
	if task.Schemas == nil || task.Schemas["type"] != "object" {
		t.Errorf("expected sleep schema snapshot, got %v", task.Schemas)
	}
	if task.RootID != task.ID {
		t.Errorf("expected root id %s, got %s", task.ID, task.RootID)
	}
}

func TestCloneTree(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "A", ParentID: "root", Type: builtin.TypeNoop, Priority: 2},
		TaskDefinition{Name: "B", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{optional("A")}},
	)
	if _, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	clones, err := h.mgr.CloneTree(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("CloneTree failed: %v", err)
	}
	if len(clones) != 3 {
		t.Fatalf("expected 3 clones, got %d", len(clones))
	}

	byName := make(map[string]*scheduler.Task)
	for _, c := range clones {
		if c.Status != scheduler.TaskPending {
			t.Errorf("clone %s: expected pending, got %s", c.Name, c.Status)
		}
		if c.ID == tree[c.Name].ID {
			t.Errorf("clone %s reused id %s", c.Name, c.ID)
		}
		byName[c.Name] = c
	}
	if byName["A"].Priority != 2 {
		t.Errorf("expected priority preserved, got %d", byName["A"].Priority)
	}
	deps := byName["B"].Dependencies
	if len(deps) != 1 || deps[0].ID != byName["A"].ID || deps[0].Required {
		t.Errorf("expected B to softly depend on cloned A, got %v", deps)
	}

	summary, err := h.mgr.ExecuteTree(context.Background(), byName["root"].ID)
	if err != nil {
		t.Fatalf("ExecuteTree of clone failed: %v", err)
	}
	if !summary.Succeeded() {
		t.Errorf("expected clone run to succeed, got %s", summary)
	}
}

func TestExecuteTree_FailFastCancelsDependents(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "A", ParentID: "root", Type: "fail"},
		TaskDefinition{Name: "B", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("A")}},
		TaskDefinition{Name: "C", ParentID: "root", Type: builtin.TypeNoop, Dependencies: []DependencyDef{dep("B")}},
	)

	if _, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID, WithFailFast(true)); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	for _, name := range []string{"B", "C"} {
		task := h.load(t, tree[name].ID)
		if task.Status != scheduler.TaskCancelled {
			t.Errorf("expected %s cancelled after fail-fast, got %s (%s)", name, task.Status, task.Error)
		}
		if !strings.HasPrefix(task.Error, "cancelled: fail-fast") {
			t.Errorf("unexpected reason for %s: %q", name, task.Error)
		}
	}
}

func TestExecuteTree_StuckAggregatorsFail(t *testing.T) {
	h := newHarness(t)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop},
		TaskDefinition{Name: "left", ParentID: "root", Type: builtin.TypeAggregate, Role: scheduler.RoleAggregate},
		TaskDefinition{Name: "right", ParentID: "root", Type: builtin.TypeAggregate, Role: scheduler.RoleAggregate},
	)

	summary, err := h.mgr.ExecuteTree(context.Background(), tree["root"].ID)
	if err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}
	if indexOf(summary.Started, tree["left"].ID) >= 0 || indexOf(summary.Started, tree["right"].ID) >= 0 {
		t.Fatalf("aggregators waiting on each other must not start, started %v", summary.Started)
	}

	for name, other := range map[string]string{"left": "right", "right": "left"} {
		task := h.load(t, tree[name].ID)
		if task.Status != scheduler.TaskFailed {
			t.Errorf("expected %s failed, got %s", name, task.Status)
		}
		if task.Error != "stuck waiting on "+other {
			t.Errorf("unexpected error for %s: %q", name, task.Error)
		}

		finals := 0
		for _, ev := range h.rec.ForTask(tree[name].ID) {
			if ev.Type == events.TypeFinal {
				finals++
			}
		}
		if finals != 1 {
			t.Errorf("expected one final event for %s, got %d", name, finals)
		}
	}
	if summary.Counts[scheduler.TaskCompleted] != 1 || summary.Counts[scheduler.TaskFailed] != 2 {
		t.Errorf("unexpected counts %v", summary.Counts)
	}
}

func TestExecuteTree_LateProgressIsDropped(t *testing.T) {
	h := newHarness(t)
	var execCtx context.Context
	h.register(t, "leaky", false, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		execCtx = ctx
		return map[string]any{"done": true}, nil
	})
	tree := h.create(t, TaskDefinition{Name: "only", Type: "leaky"})
	id := tree["only"].ID

	if _, err := h.mgr.ExecuteTree(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}
	executor.ReportProgress(execCtx, 0.3, "too late")
	executor.ReportMessage(execCtx, "still too late")

	for _, ev := range h.rec.ForTask(id) {
		if ev.Type == events.TypeProgress {
			t.Errorf("unexpected progress event after the task settled: %+v", ev)
		}
	}
	task := h.load(t, id)
	if task.Status != scheduler.TaskCompleted || task.Progress != 1 {
		t.Errorf("expected completed at progress 1, got %s at %v", task.Status, task.Progress)
	}
}

func TestExecuteTree_MessageOnlyProgress(t *testing.T) {
	h := newHarness(t)
	h.register(t, "chatty", false, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		executor.ReportProgress(ctx, 0.4, "working")
		executor.ReportMessage(ctx, "a line of output")
		return nil, nil
	})
	tree := h.create(t, TaskDefinition{Name: "only", Type: "chatty"})
	id := tree["only"].ID

	if _, err := h.mgr.ExecuteTree(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTree failed: %v", err)
	}

	var progress []events.Event
	for _, ev := range h.rec.ForTask(id) {
		if ev.Type == events.TypeProgress {
			progress = append(progress, ev)
		}
	}
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress events, got %v", h.rec.Types(id))
	}
	if p := progress[0].Progress; p == nil || *p != 0.4 {
		t.Errorf("expected progress 0.4, got %v", p)
	}
	if progress[1].Progress != nil || progress[1].Message != "a line of output" {
		t.Errorf("expected a message without progress, got %+v", progress[1])
	}
}

func TestUpdateTask_RejectedWhileDependentExecutes(t *testing.T) {
	h := newHarness(t)
	started, release := h.registerBlocking(t, "block", false)
	tree := h.create(t,
		TaskDefinition{Name: "root", Type: builtin.TypeNoop, Priority: 1},
		TaskDefinition{Name: "worker", ParentID: "root", Type: "block", Dependencies: []DependencyDef{dep("root")}},
	)

	if err := h.mgr.RunTreeAsync(context.Background(), tree["root"].ID); err != nil {
		t.Fatalf("RunTreeAsync failed: %v", err)
	}
	waitClosed(t, started)

	priority := 7
	_, err := h.mgr.UpdateTask(context.Background(), tree["root"].ID, scheduler.TaskUpdate{Priority: &priority})
	var conflict *taskerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected ConflictError, got %v", err)
	}

	close(release)
	h.mgr.Wait()

	if root := h.load(t, tree["root"].ID); root.Priority != 1 {
		t.Errorf("rejected edit reached the store: priority %d", root.Priority)
	}
}
