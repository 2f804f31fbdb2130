package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/streaming"
	"github.com/aristath/taskflow/internal/taskerr"
)

// RunOption adjusts a single tree execution.
type RunOption func(*runOptions)

type runOptions struct {
	sink        streaming.Sink
	failFast    bool
	concurrency int
}

// WithSink sends the run's events to s instead of the manager's default sink.
func WithSink(s streaming.Sink) RunOption {
	return func(o *runOptions) { o.sink = s }
}

// WithFailFast stops dispatching after the first task failure. Tasks still
// pending at that point end cancelled.
func WithFailFast(enabled bool) RunOption {
	return func(o *runOptions) { o.failFast = enabled }
}

// WithConcurrency bounds how many tasks of the run execute at once.
func WithConcurrency(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// RunSummary reports the outcome of one tree execution.
type RunSummary struct {
	RootID   string
	Tasks    []*scheduler.Task // Final state, sorted by id
	Counts   map[scheduler.TaskStatus]int
	Started  []string // Task ids in dispatch order
	Duration time.Duration
}

// Succeeded reports whether every task completed.
func (s *RunSummary) Succeeded() bool {
	return s.Counts[scheduler.TaskFailed] == 0 && s.Counts[scheduler.TaskCancelled] == 0 &&
		s.Counts[scheduler.TaskCompleted] == len(s.Tasks)
}

// Task returns the final state of one task of the run.
func (s *RunSummary) Task(id string) (*scheduler.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("%d tasks: %d completed, %d failed, %d cancelled in %s",
		len(s.Tasks), s.Counts[scheduler.TaskCompleted], s.Counts[scheduler.TaskFailed],
		s.Counts[scheduler.TaskCancelled], s.Duration.Round(time.Millisecond))
}

// run is the state of one tree execution. The dag is only mutated by the
// goroutine running loop.
type run struct {
	rootID   string
	dag      *scheduler.DAG
	opts     runOptions
	reporter *streaming.Reporter

	parent  context.Context
	ctx     context.Context // Cancelled to stop the run
	cancel  context.CancelFunc
	persist context.Context // Outlives cancellation so final states are stored

	completions chan completion
	requests    chan request
	done        chan struct{}

	mu       sync.Mutex
	inflight map[string]*slot
}

// slot is one executing task.
type slot struct {
	task      *scheduler.Task
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	exec      executor.Executor // Set once resolved
	requested bool              // Cancellation was requested
}

type completion struct {
	taskID string
	status scheduler.TaskStatus
	result map[string]any
	err    string
}

// request asks the loop to cancel or edit a task of the run.
type request struct {
	ctx    context.Context
	taskID string
	update *scheduler.TaskUpdate // Nil for cancellation
	reply  chan requestReply
}

type requestReply struct {
	result  executor.CancelResult
	updated *scheduler.Task
	err     error
}

// ExecuteTree runs every task of the tree containing rootID and returns when
// nothing is left to run. Task failures are reported in the summary; the
// error is non-nil only when the run could not start or ctx was cancelled.
func (m *Manager) ExecuteTree(ctx context.Context, rootID string, opts ...RunOption) (*RunSummary, error) {
	r, err := m.prepare(ctx, rootID, opts)
	if err != nil {
		return nil, err
	}
	return m.loop(r)
}

// prepare loads and validates the tree and locks it for the run. Nothing is
// mutated when validation fails.
func (m *Manager) prepare(ctx context.Context, rootID string, opts []RunOption) (*run, error) {
	o := runOptions{sink: m.cfg.Sink, failFast: m.cfg.FailFast, concurrency: m.cfg.Concurrency}
	for _, opt := range opts {
		opt(&o)
	}

	root, err := m.cfg.Store.GetTaskByID(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", rootID, err)
	}
	if !root.IsRoot() {
		if root, err = m.cfg.Store.GetRootTask(ctx, root); err != nil {
			return nil, fmt.Errorf("failed to load root of %s: %w", rootID, err)
		}
	}

	if !m.trees.TryLock(root.ID) {
		return nil, &taskerr.ConflictError{Kind: "tree", Key: root.ID, Msg: "tree is already running"}
	}

	tasks, err := m.cfg.Store.GetAllTasksInTree(ctx, root)
	if err != nil {
		m.trees.Unlock(root.ID)
		return nil, fmt.Errorf("failed to load tree %s: %w", root.ID, err)
	}
	dag, err := scheduler.NewDAGFromTasks(tasks)
	if err == nil {
		_, err = dag.Validate()
	}
	if err != nil {
		m.trees.Unlock(root.ID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		rootID:      root.ID,
		dag:         dag,
		opts:        o,
		reporter:    streaming.NewReporter(o.sink, m.cfg.ReporterOptions...),
		parent:      ctx,
		ctx:         runCtx,
		cancel:      cancel,
		persist:     context.WithoutCancel(ctx),
		completions: make(chan completion, len(tasks)),
		requests:    make(chan request),
		done:        make(chan struct{}),
		inflight:    make(map[string]*slot),
	}

	m.mu.Lock()
	m.runs[root.ID] = r
	m.mu.Unlock()
	return r, nil
}

// loop is the single decision loop of a run: it dispatches ready tasks,
// applies completions and serves cancel and edit requests until no task is
// ready and none is in flight.
func (m *Manager) loop(r *run) (*RunSummary, error) {
	start := time.Now()
	defer m.release(r)

	var g errgroup.Group
	g.SetLimit(r.opts.concurrency)

	inFlight := 0
	var started []string
	stop := "" // Non-empty once dispatch has stopped
	runDone := r.ctx.Done()

	for {
		if stop == "" && r.ctx.Err() != nil {
			stop = "run cancelled"
		}

		if stop == "" {
			m.failBlocked(r)
			for _, task := range r.dag.Ready() {
				if inFlight >= r.opts.concurrency {
					break
				}
				s, ok := m.startTask(r, task)
				if !ok {
					continue
				}
				inFlight++
				started = append(started, task.ID)
				g.Go(func() error {
					r.completions <- m.runTask(r, s)
					return nil
				})
			}
		}

		if inFlight == 0 {
			// Early finishes may have unblocked more work
			if stop == "" && len(r.dag.Ready()) > 0 {
				continue
			}
			break
		}

		select {
		case c := <-r.completions:
			inFlight--
			m.complete(r, c)
			if c.status == scheduler.TaskFailed && r.opts.failFast && stop == "" {
				stop = fmt.Sprintf("fail-fast after task %s failed", c.taskID)
			}
		case req := <-r.requests:
			m.handleRequest(r, req)
		case <-runDone:
			runDone = nil
			if stop == "" {
				stop = "run cancelled"
			}
		}
	}

	_ = g.Wait()
	m.settlePending(r, stop)
	close(r.done)

	summary := &RunSummary{
		RootID:   r.rootID,
		Tasks:    r.dag.Tasks(),
		Counts:   r.dag.Counts(),
		Started:  started,
		Duration: time.Since(start),
	}
	if err := r.parent.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (m *Manager) release(r *run) {
	r.cancel()
	r.reporter.Close()

	m.mu.Lock()
	delete(m.runs, r.rootID)
	m.mu.Unlock()
	m.trees.Unlock(r.rootID)
}

// startTask moves a ready task to in progress and registers it with the
// tracker. Aggregators get their members' results merged into their inputs
// first. Tasks that cannot start are finished here.
func (m *Manager) startTask(r *run, task *scheduler.Task) (*slot, bool) {
	if task.Role == scheduler.RoleAggregate {
		inputs, reason := aggregate(task, r.dag.AggregationMembers(task.ID))
		if reason != "" {
			m.finishPending(r, task, scheduler.TaskFailed, reason, nil)
			return nil, false
		}
		task.Inputs = inputs
		if err := r.dag.SetInputs(task.ID, inputs); err != nil {
			log.Printf("ERROR: failed to record aggregated inputs of task %q: %v", task.ID, err)
		}
	}

	if !m.cfg.Tracker.Start(task.ID) {
		m.finishPending(r, task, scheduler.TaskFailed, fmt.Sprintf("task %s is already executing", task.ID), nil)
		return nil, false
	}

	now := time.Now()
	if err := r.dag.MarkRunning(task.ID, now); err != nil {
		m.cfg.Tracker.Stop(task.ID)
		log.Printf("ERROR: failed to mark task %q as running: %v", task.ID, err)
		m.finishPending(r, task, scheduler.TaskFailed, err.Error(), nil)
		return nil, false
	}

	ctx, cancel := context.WithCancel(r.ctx)
	s := &slot{task: task, ctx: ctx, cancel: cancel, startedAt: now}

	r.mu.Lock()
	r.inflight[task.ID] = s
	r.mu.Unlock()
	return s, true
}

// runTask executes one task in its own goroutine: persist the start, run the
// pre hooks, resolve and run the executor, then finish.
func (m *Manager) runTask(r *run, s *slot) completion {
	task := s.task
	defer s.cancel()

	upd := scheduler.StatusUpdate{Status: scheduler.TaskInProgress, StartedAt: &s.startedAt}
	if task.Role == scheduler.RoleAggregate {
		upd.Inputs = task.Inputs
	}
	if _, err := m.cfg.Store.SaveStatus(r.persist, task.ID, upd); err != nil {
		log.Printf("ERROR: failed to persist start of task %q: %v", task.ID, err)
	}
	r.emit(events.Event{
		Type:    events.TypeTaskStart,
		TaskID:  task.ID,
		Status:  string(scheduler.TaskInProgress),
		Message: task.Name,
	}.WithProgress(0))

	if m.cfg.Hooks != nil {
		m.cfg.Hooks.RunPre(s.ctx, task)
	}

	ex, err := m.cfg.Executors.GetExecutor(task.Type, task.Params)
	if err != nil {
		// Nothing else runs for an unknown type; a failed constructor
		// still gets its post hooks.
		var notFound *taskerr.ExecutorNotFoundError
		return m.finishTask(r, s, nil, nil, err, !errors.As(err, &notFound))
	}

	r.mu.Lock()
	s.exec = ex
	r.mu.Unlock()
	cancelable := executor.IsCancelable(ex)

	var result map[string]any
	if cancelable && s.ctx.Err() != nil {
		err = fmt.Errorf("cancelled before execution: %w", s.ctx.Err())
	} else if err = executor.ValidateInputs(ex.InputSchema(), task.Inputs); err == nil {
		execCtx := s.ctx
		if !cancelable {
			execCtx = context.WithoutCancel(s.ctx)
		}
		execCtx = executor.WithProgress(execCtx, func(p *float64, msg string) {
			m.reportProgress(r, task.ID, p, msg)
		})
		result, err = m.execute(execCtx, task.Type, ex, task.Inputs)
	}
	return m.finishTask(r, s, ex, result, err, true)
}

// finishTask persists the outcome, runs the post hooks, stops tracking the
// task and emits its terminal and final events.
func (m *Manager) finishTask(r *run, s *slot, ex executor.Executor, result map[string]any, execErr error, runPost bool) completion {
	task := s.task

	r.mu.Lock()
	requested := s.requested
	delete(r.inflight, task.ID)
	r.mu.Unlock()
	if r.ctx.Err() != nil {
		requested = true
	}
	cancelable := ex == nil || executor.IsCancelable(ex)

	status := scheduler.TaskCompleted
	msg := ""
	switch {
	case execErr == nil:
	case ex != nil && cancelable && requested && (errors.Is(execErr, context.Canceled) || s.ctx.Err() != nil):
		status = scheduler.TaskCancelled
		msg = execErr.Error()
	default:
		status = scheduler.TaskFailed
		msg = execErr.Error()
	}

	now := time.Now()
	upd := scheduler.StatusUpdate{Status: status, Error: msg, CompletedAt: &now}
	if status == scheduler.TaskCompleted {
		one := 1.0
		upd.Result = result
		upd.Progress = &one
	}

	stored, err := m.cfg.Store.SaveStatus(r.persist, task.ID, upd)
	if err != nil {
		log.Printf("ERROR: failed to persist outcome of task %q: %v", task.ID, err)
		stored = scheduler.CloneTask(task)
		stored.Status, stored.Result, stored.Error, stored.CompletedAt = status, upd.Result, msg, &now
	}

	if runPost && m.cfg.Hooks != nil {
		m.cfg.Hooks.RunPost(r.persist, stored, task.Inputs, result, execErr)
	}
	m.cfg.Tracker.Stop(task.ID)

	meta := map[string]any{}
	if ex != nil {
		meta[events.MetaExecutor] = ex.ID()
	}
	terminal := events.Event{
		Type:     terminalType(status),
		TaskID:   task.ID,
		Status:   string(status),
		Result:   upd.Result,
		Error:    msg,
		Metadata: meta,
	}
	if status == scheduler.TaskCompleted {
		terminal = terminal.WithProgress(1)
	}
	r.emit(terminal)

	final := terminal
	final.Type = events.TypeFinal
	final.Final = true
	final.Metadata = cloneMeta(meta)
	if requested {
		final.Metadata[events.MetaCancelRequested] = true
		if !cancelable {
			final.Metadata[events.MetaCancelDeferred] = true
		}
	}
	r.emit(final)

	return completion{taskID: task.ID, status: status, result: upd.Result, err: msg}
}

// reportProgress records a progress report of an executing task. A nil
// fraction carries only the message. Reports arriving after the task left
// the in-flight set are dropped, so nothing follows its final event.
func (m *Manager) reportProgress(r *run, taskID string, p *float64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[taskID]; !ok {
		return
	}

	ev := events.Event{
		Type:    events.TypeProgress,
		TaskID:  taskID,
		Status:  string(scheduler.TaskInProgress),
		Message: msg,
	}
	if p != nil {
		upd := scheduler.StatusUpdate{Status: scheduler.TaskInProgress, Progress: p}
		if _, err := m.cfg.Store.SaveStatus(r.persist, taskID, upd); err != nil {
			log.Printf("WARNING: failed to persist progress of task %q: %v", taskID, err)
		}
		ev = ev.WithProgress(*p)
	}
	r.emit(ev)
}

// complete applies a finished task to the dag.
func (m *Manager) complete(r *run, c completion) {
	now := time.Now()
	var err error
	switch c.status {
	case scheduler.TaskCompleted:
		err = r.dag.MarkCompleted(c.taskID, c.result, now)
	case scheduler.TaskFailed:
		err = r.dag.MarkFailed(c.taskID, errors.New(c.err), now)
	case scheduler.TaskCancelled:
		err = r.dag.MarkCancelled(c.taskID, c.err, now)
	}
	if err != nil {
		log.Printf("ERROR: failed to record outcome of task %q: %v", c.taskID, err)
	}
}

// finishPending ends a task that never started.
func (m *Manager) finishPending(r *run, task *scheduler.Task, status scheduler.TaskStatus, reason string, meta map[string]any) bool {
	now := time.Now()
	var err error
	if status == scheduler.TaskCancelled {
		err = r.dag.MarkCancelled(task.ID, reason, now)
	} else {
		err = r.dag.MarkFailed(task.ID, errors.New(reason), now)
	}
	if err != nil {
		log.Printf("ERROR: failed to finish task %q: %v", task.ID, err)
		return false
	}

	upd := scheduler.StatusUpdate{Status: status, Error: reason, CompletedAt: &now}
	if _, err := m.cfg.Store.SaveStatus(r.persist, task.ID, upd); err != nil {
		log.Printf("ERROR: failed to persist outcome of task %q: %v", task.ID, err)
	}

	ev := events.Event{
		Type:     terminalType(status),
		TaskID:   task.ID,
		Status:   string(status),
		Error:    reason,
		Metadata: meta,
	}
	r.emit(ev)
	final := ev
	final.Type = events.TypeFinal
	final.Final = true
	final.Metadata = cloneMeta(meta)
	r.emit(final)
	return true
}

// failBlocked fails pending tasks whose required dependency failed or was
// cancelled, repeating until the failure has propagated down the tree.
func (m *Manager) failBlocked(r *run) {
	for {
		blocked := r.dag.Blocked()
		if len(blocked) == 0 {
			return
		}
		progressed := false
		for _, b := range blocked {
			reason := fmt.Sprintf("blocked by dependency %s (%s)", displayName(b.Dependency), b.Dependency.Status)
			meta := map[string]any{events.MetaBlockedBy: b.Dependency.ID}
			if m.finishPending(r, b.Task, scheduler.TaskFailed, reason, meta) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// settlePending finishes whatever is still pending once the loop has ended.
// When dispatch was stopped every pending task is cancelled, dependents of
// failed tasks included. Otherwise blocked tasks fail and the rest were stuck.
func (m *Manager) settlePending(r *run, stop string) {
	if stop != "" {
		for _, task := range r.dag.Pending() {
			m.finishPending(r, task, scheduler.TaskCancelled, "cancelled: "+stop, nil)
		}
		return
	}

	m.failBlocked(r)
	byID := scheduler.IndexByID(r.dag.Tasks())
	for _, task := range r.dag.Pending() {
		m.finishPending(r, task, scheduler.TaskFailed, stuckReason(task, byID), nil)
	}
}

func (m *Manager) handleRequest(r *run, req request) {
	task, ok := r.dag.Get(req.taskID)
	if !ok {
		req.reply <- requestReply{err: fmt.Errorf("%w: %s", persistence.ErrNotFound, req.taskID)}
		return
	}

	if req.update != nil {
		updated, err := m.applyEdit(req.ctx, r, task, *req.update)
		req.reply <- requestReply{updated: updated, err: err}
		return
	}

	switch task.Status {
	case scheduler.TaskPending:
		meta := map[string]any{events.MetaCancelRequested: true}
		m.finishPending(r, task, scheduler.TaskCancelled, "cancelled by request", meta)
		req.reply <- requestReply{result: executor.CancelResult{Status: executor.CancelAccepted, Message: "task cancelled before execution"}}
	case scheduler.TaskInProgress:
		req.reply <- requestReply{result: r.requestCancel(task.ID)}
	default:
		req.reply <- requestReply{err: taskerr.Validation("status", "task %q is already %s", task.ID, task.Status)}
	}
}

// applyEdit validates an edit against the run's view of the tree, persists
// it and hands it to the dag. It runs on the loop, so the task cannot be
// dispatched in between.
func (m *Manager) applyEdit(ctx context.Context, r *run, task *scheduler.Task, upd scheduler.TaskUpdate) (*scheduler.Task, error) {
	tree := r.dag.Tasks()
	if running := scheduler.FindExecutingDependents(task.ID, tree); len(running) > 0 {
		return nil, &taskerr.ConflictError{Kind: "task", Key: task.ID, Msg: fmt.Sprintf("dependent task %q is executing", running[0])}
	}
	if err := scheduler.ApplyUpdate(scheduler.CloneTask(task), upd, tree, time.Now()); err != nil {
		return nil, err
	}

	updated, err := m.cfg.Store.UpdateTask(ctx, task.ID, upd)
	if err != nil {
		return nil, err
	}
	if err := r.dag.ReplacePending(updated); err != nil {
		log.Printf("WARNING: edit of task %q stored but not applied to its running tree: %v", task.ID, err)
	}
	return updated, nil
}

// submit hands req to the run's loop. It reports false when the run has
// already ended.
func (r *run) submit(ctx context.Context, req request) (requestReply, bool) {
	req.reply = make(chan requestReply, 1)

	select {
	case r.requests <- req:
	case <-r.done:
		return requestReply{}, false
	case <-ctx.Done():
		return requestReply{err: ctx.Err()}, true
	}

	select {
	case rep := <-req.reply:
		return rep, true
	case <-ctx.Done():
		return requestReply{err: ctx.Err()}, true
	}
}

// requestCancel flags an executing task and interrupts it if its executor
// allows that.
func (r *run) requestCancel(taskID string) executor.CancelResult {
	r.mu.Lock()
	s, ok := r.inflight[taskID]
	if !ok {
		r.mu.Unlock()
		return executor.CancelResult{Status: executor.CancelFailed, Message: "task is not executing"}
	}
	s.requested = true
	ex := s.exec
	r.mu.Unlock()

	if ex == nil {
		s.cancel()
		return executor.CancelResult{Status: executor.CancelAccepted, Message: "cancellation requested before execution"}
	}
	if !executor.IsCancelable(ex) {
		return executor.CancelResult{Status: executor.CancelDeferred, Message: "executor is not cancelable; request recorded"}
	}

	res := executor.RequestCancel(ex)
	switch res.Status {
	case executor.CancelFailed:
		return res
	case executor.CancelUnsupported:
		s.cancel()
		return executor.CancelResult{Status: executor.CancelAccepted, Message: "cancellation requested at the next checkpoint"}
	default:
		s.cancel()
		return res
	}
}

func (r *run) emit(ev events.Event) {
	ev.RootID = r.rootID
	r.reporter.SendUpdate(ev)
}

// aggregate merges the members' outcomes into the aggregator's inputs. A
// non-empty reason means the aggregation policy failed the task.
func aggregate(task *scheduler.Task, members []*scheduler.Task) (map[string]any, string) {
	inputs := make(map[string]any, len(task.Inputs)+2)
	for k, v := range task.Inputs {
		inputs[k] = v
	}

	results := make(map[string]any)
	errs := make(map[string]any)
	var failed []string
	for _, member := range members {
		if member.Status == scheduler.TaskCompleted {
			results[member.ID] = member.Result
			continue
		}
		errs[member.ID] = member.Error
		failed = append(failed, displayName(member))
	}
	inputs["results"] = results
	inputs["errors"] = errs

	if len(failed) > 0 && !task.AllowPartial {
		return nil, fmt.Sprintf("aggregation failed: %s did not complete", strings.Join(failed, ", "))
	}
	return inputs, ""
}

func stuckReason(task *scheduler.Task, byID map[string]*scheduler.Task) string {
	var waiting []string
	if task.Role == scheduler.RoleAggregate {
		for _, id := range scheduler.AggregationMembers(task, byID) {
			if m, ok := byID[id]; ok && !m.Status.IsTerminal() {
				waiting = append(waiting, displayName(m))
			}
		}
	} else {
		for _, dep := range task.Dependencies {
			if d, ok := byID[dep.ID]; ok && dep.Required && d.Status != scheduler.TaskCompleted {
				waiting = append(waiting, displayName(d))
			}
		}
	}
	if len(waiting) == 0 {
		return "stuck: task never became ready"
	}
	return "stuck waiting on " + strings.Join(waiting, ", ")
}

func terminalType(status scheduler.TaskStatus) events.Type {
	switch status {
	case scheduler.TaskCompleted:
		return events.TypeTaskCompleted
	case scheduler.TaskCancelled:
		return events.TypeTaskCancelled
	default:
		return events.TypeTaskFailed
	}
}

func displayName(t *scheduler.Task) string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

func cloneMeta(meta map[string]any) map[string]any {
	cp := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
