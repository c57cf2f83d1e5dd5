// Package orchestrator is the public surface of the runtime: it classifies
// and decomposes submissions, routes them, drives the scheduler, fans out
// the status stream, and owns cancellation and shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wraith/internal/budget"
	"wraith/internal/config"
	"wraith/internal/faults"
	"wraith/internal/lifecycle"
	"wraith/internal/metrics"
	"wraith/internal/navigator"
	"wraith/internal/plan"
	"wraith/internal/pool"
	"wraith/internal/scheduler"
	"wraith/internal/session"
	"wraith/internal/status"
)

// workspaceContextID identifies the foreground surface that top-tab
// navigations land on.
const workspaceContextID = "workspace-top"

// Submission is one public command.
type Submission struct {
	Text   string
	Mode   plan.Mode
	Source string
}

// Orchestrator wires the pool, scheduler, bus, and planner together.
type Orchestrator struct {
	cfg    *config.Config
	bus    *status.Bus
	pool   *pool.Manager
	sched  *scheduler.Scheduler
	dec    *plan.Decomposer
	nav    navigator.Navigator
	logger *zap.Logger
	met    *metrics.Metrics

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// New builds the runtime over a session factory and a navigator. Call
// Start before submitting.
func New(cfg *config.Config, factory session.Factory, nav navigator.Navigator, logger *zap.Logger, met *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:    cfg,
		bus:    status.NewBus(logger.Named("status")),
		dec:    plan.NewDecomposer(),
		nav:    nav,
		logger: logger,
		met:    met,
		tasks:  map[string]*Task{},
	}

	o.pool = pool.NewManager(pool.Config{
		SessionCount: cfg.Pool.SessionCount,
		MinSize:      cfg.Pool.MinSize,
		MaxSize:      cfg.Pool.MaxSize,
		WarmTimeout:  cfg.WarmTimeout(),
	}, factory, func(taskID, contextID string, p status.QueuePayload) {
		o.publish(taskID, contextID, p)
	}, logger.Named("pool"), met)

	o.sched = scheduler.New(o.pool, budget.Config{
		CPUPercent:      cfg.Budget.CPUPercent,
		MemoryMB:        cfg.Budget.MemoryMB,
		SampleInterval:  cfg.SampleInterval(),
		ViolationWindow: cfg.ViolationWindow(),
		Mode:            cfg.Budget.Mode,
	}, scheduler.Config{
		MaxRetries: cfg.Scheduler.MaxRetries,
	}, func(taskID, contextID string, p status.SchedulerPayload) {
		o.publish(taskID, contextID, p)
	}, logger.Named("scheduler"), met)

	return o
}

// Start warms the session pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.pool.Start(ctx)
}

// OnStatus subscribes to the status stream. Events for one task arrive in
// publish order.
func (o *Orchestrator) OnStatus(fn func(status.Envelope)) (unsubscribe func()) {
	return o.bus.Subscribe(fn)
}

// Submit classifies and routes one submission. NAVIGATE runs in the top
// tab without a task; GENERATE is refused as unserviced; RESEARCH and
// TRANSACT spawn a ghost task.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*SubmissionResult, error) {
	text := strings.TrimSpace(sub.Text)
	if text == "" {
		return &SubmissionResult{Accepted: false, Error: "empty input"}, nil
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return &SubmissionResult{Accepted: false, Error: "runtime is shutting down"}, nil
	}

	mode := sub.Mode
	if mode == "" {
		mode = plan.ModeAuto
	}
	c := plan.Classify(text, mode)

	d := &Dispatch{
		DispatchID:         "d-" + uuid.New().String()[:8],
		SubmittedAt:        time.Now(),
		Source:             sub.Source,
		Mode:               mode,
		ModeOverride:       mode != plan.ModeAuto,
		WorkspaceContextID: workspaceContextID,
		RawInput:           text,
		Classification:     c,
	}

	switch c.Intent {
	case plan.IntentNavigate:
		d.NormalizedURL = plan.NormalizeURL(text)
		d.ExecutionPlan = ExecutionPlan{
			Route:         RouteTopTabNavigate,
			RunInTopTab:   true,
			PrimaryEngine: o.engine(),
		}
		o.met.IncSubmission(string(c.Intent), RouteTopTabNavigate)
		o.logger.Info("top-tab navigation",
			zap.String("dispatchId", d.DispatchID),
			zap.String("url", d.NormalizedURL))
		return &SubmissionResult{Accepted: true, ClearInput: true, Dispatch: d}, nil

	case plan.IntentGenerate:
		t := o.newTask(text, mode, c, nil)
		d.TaskID = t.ID
		d.ExecutionPlan = ExecutionPlan{
			Route:         RouteMakerGenerate,
			PrimaryEngine: o.engine(),
		}
		o.met.IncSubmission(string(c.Intent), RouteMakerGenerate)
		o.refuseGenerate(t)
		return &SubmissionResult{Accepted: true, ClearInput: true, Dispatch: d}, nil

	default: // RESEARCH, TRANSACT
		pl, err := o.dec.Decompose(text, c)
		if err != nil {
			return &SubmissionResult{Accepted: false, Error: err.Error()}, nil
		}
		t := o.newTask(text, mode, c, pl)
		d.TaskID = t.ID
		d.ExecutionPlan = ExecutionPlan{
			Route:          RouteGhostExecute,
			SpawnGhostTabs: true,
			PrimaryEngine:  o.engine(),
		}
		o.met.IncSubmission(string(c.Intent), RouteGhostExecute)
		o.wg.Add(1)
		go o.runTask(t)
		return &SubmissionResult{Accepted: true, ClearInput: true, Dispatch: d}, nil
	}
}

func (o *Orchestrator) newTask(text string, mode plan.Mode, c plan.Classification, pl *plan.Plan) *Task {
	t := &Task{
		ID:             "task-" + uuid.New().String()[:8],
		Intent:         text,
		Mode:           mode,
		Classification: c,
		Plan:           pl,
		Status:         TaskQueued,
		CreatedAt:      time.Now(),
	}
	o.mu.Lock()
	o.tasks[t.ID] = t
	o.mu.Unlock()
	return t
}

// refuseGenerate terminates a MAKER_GENERATE task without touching the
// pool: the generate route belongs to a collaborator, not this core.
func (o *Orchestrator) refuseGenerate(t *Task) {
	detail := faults.New(faults.KindValidation,
		"generate route is not serviced by the execution core").WithRetryable(false)
	o.publish(t.ID, "", status.SchedulerPayload{
		Event:    status.SchedulerFailed,
		Priority: string(pool.PriorityBackground),
		Error:    detail,
	})
	o.mu.Lock()
	t.Status = TaskFailed
	t.Error = detail
	t.FinishedAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) runTask(t *Task) {
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.mu.Lock()
	t.cancelRun = cancel
	cancelled := t.cancelRequested
	if !cancelled {
		t.Status = TaskRunning
		t.StartedAt = time.Now()
	}
	o.mu.Unlock()
	if cancelled {
		o.finishCancelled(t)
		return
	}

	result, err := o.sched.Run(ctx, scheduler.Task{
		TaskID:   t.ID,
		Priority: pool.PriorityBackground,
	}, o.makeRunner(t))

	switch {
	case err == nil:
		o.mu.Lock()
		t.Status = TaskSucceeded
		t.AttemptsUsed = result.AttemptsUsed
		t.FinalURL = t.Partial.CurrentURL
		t.FinishedAt = time.Now()
		o.mu.Unlock()
		o.logger.Info("task succeeded",
			zap.String("taskId", t.ID),
			zap.Int("attempts", result.AttemptsUsed))

	case errors.Is(err, scheduler.ErrCancelled) || o.cancelRequested(t.ID):
		o.finishCancelled(t)

	default:
		detail := faults.Classify(err)
		attempts := 1
		var execErr *scheduler.ExecutionError
		if errors.As(err, &execErr) {
			detail = execErr.Detail
			attempts = execErr.Attempts
		}
		o.mu.Lock()
		t.Status = TaskFailed
		t.Error = detail
		t.AttemptsUsed = attempts
		t.FinishedAt = time.Now()
		o.mu.Unlock()
		o.logger.Warn("task failed",
			zap.String("taskId", t.ID),
			zap.Int("attempts", attempts),
			zap.Error(detail))
	}
}

// finishCancelled freezes the partial result and publishes the single
// terminal CANCELLED event, bypassing the suppression gate.
func (o *Orchestrator) finishCancelled(t *Task) {
	o.mu.Lock()
	if t.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	t.Status = TaskCancelled
	t.FinishedAt = time.Now()
	if !t.StartedAt.IsZero() {
		t.Partial.DurationMS = t.FinishedAt.Sub(t.StartedAt).Milliseconds()
	}
	o.mu.Unlock()

	_ = o.bus.Publish(status.NewEnvelope(t.ID, "", status.SchedulerPayload{
		Event:    status.SchedulerCancelled,
		Priority: string(pool.PriorityBackground),
	}))
	o.logger.Info("task cancelled",
		zap.String("taskId", t.ID),
		zap.String("lastUrl", t.Partial.CurrentURL))
}

// Cancel stops a task: its session dies, its stream goes quiet, and the
// terminal CANCELLED event carries the frozen partial result. Idempotent;
// false for unknown or already-terminal tasks.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok || t.Status.Terminal() {
		o.mu.Unlock()
		return false
	}
	already := t.cancelRequested
	t.cancelRequested = true
	cancelRun := t.cancelRun
	o.mu.Unlock()
	if already {
		return true
	}

	o.sched.Cancel(taskID)
	if cancelRun != nil {
		cancelRun()
	}
	return true
}

// Snapshot reports pool occupancy and per-task progress.
func (o *Orchestrator) Snapshot() Snapshot {
	ps := o.pool.Snapshot()

	o.mu.Lock()
	tasks := make([]TaskSummary, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, TaskSummary{
			ID:           t.ID,
			Intent:       t.Intent,
			Status:       t.Status,
			Partial:      t.Partial,
			AttemptsUsed: t.AttemptsUsed,
		})
	}
	o.mu.Unlock()

	return Snapshot{
		Pool: PoolView{
			Available: ps.Available,
			InUse:     ps.InUse,
			Warming:   ps.Warming,
			Cold:      ps.Cold,
			MaxSize:   ps.MaxSize,
		},
		Tasks:      tasks,
		QueueDepth: ps.QueueDepth,
	}
}

// Task returns a copy of the task record.
func (o *Orchestrator) Task(taskID string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Shutdown refuses new submissions, cancels what has not leased a session,
// waits for in-flight work bounded by ctx (then cancels the rest), and
// tears down the pool and the bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	var queued []string
	for id, t := range o.tasks {
		if t.Status == TaskQueued {
			queued = append(queued, id)
		}
	}
	o.mu.Unlock()
	for _, id := range queued {
		o.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.mu.Lock()
		var inflight []string
		for id, t := range o.tasks {
			if !t.Status.Terminal() {
				inflight = append(inflight, id)
			}
		}
		o.mu.Unlock()
		for _, id := range inflight {
			o.Cancel(id)
		}
		<-done
	}

	o.pool.Close()
	o.bus.Close()
	o.logger.Info("orchestrator shut down")
	return nil
}

// publish routes a payload through the suppression gate: once a task is
// cancelled or terminal its stream stays quiet. Progress is folded into
// the task's partial result before routing, so the snapshot a cancel
// freezes covers everything that reached the stream.
func (o *Orchestrator) publish(taskID, contextID string, p status.Payload) {
	if taskID != "" && !o.recordProgress(taskID, p) {
		return
	}
	if err := o.bus.Publish(status.NewEnvelope(taskID, contextID, p)); err != nil {
		o.logger.Error("status publish rejected",
			zap.String("taskId", taskID),
			zap.Error(err))
	}
}

// recordProgress updates the task's partial result and reports whether the
// payload may be published.
func (o *Orchestrator) recordProgress(taskID string, p status.Payload) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return true
	}
	if t.cancelRequested || t.Status.Terminal() {
		return false
	}

	switch p := p.(type) {
	case status.StatePayload:
		if p.URL != "" {
			t.Partial.CurrentURL = p.URL
		}
		t.Partial.CurrentState = p.To
		if p.To == string(lifecycle.StateActing) && p.Reason != "" {
			t.Partial.CurrentAction = p.Reason
		}
		if !t.StartedAt.IsZero() {
			t.Partial.DurationMS = time.Since(t.StartedAt).Milliseconds()
		}
	case status.SubtaskPayload:
		t.Partial.ProgressLabel = fmt.Sprintf("subtask %d/%d %s",
			p.CurrentSubtaskIndex+1, p.TotalSubtasks, p.Status)
	}
	return true
}

func (o *Orchestrator) cancelRequested(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	return ok && t.cancelRequested
}

func (o *Orchestrator) engine() string {
	if o.nav == nil {
		return ""
	}
	return o.nav.Model(navigator.Tier1Structured)
}
