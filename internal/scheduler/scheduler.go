// Package scheduler runs submitted tasks through bounded retry attempts,
// each attempt on a fresh session lease, with per-attempt resource budget
// enforcement and non-cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wraith/internal/budget"
	"wraith/internal/faults"
	"wraith/internal/metrics"
	"wraith/internal/pool"
	"wraith/internal/status"
)

// ErrCancelled is returned from Run when the task was cancelled. The
// scheduler emits nothing for a cancelled task; the terminal CANCELLED
// event is the caller's to publish with the frozen partial result.
var ErrCancelled = errors.New("task cancelled")

// Runner executes one attempt on a leased session. A crash-signature error
// makes the attempt retryable; any other error fails the task.
type Runner func(ctx context.Context, lease *pool.Lease, attempt, maxAttempts int) error

// Emitter receives scheduler status payloads attributed to a task.
type Emitter func(taskID, contextID string, p status.SchedulerPayload)

// Config tunes the retry policy.
type Config struct {
	MaxRetries int // crash retries beyond the first attempt
}

// Task is one unit of scheduled work.
type Task struct {
	TaskID   string
	Priority pool.Priority
}

// Result reports a task that ran to success.
type Result struct {
	TaskID       string
	AttemptsUsed int
	Duration     time.Duration
}

// ExecutionError reports a task that exhausted its attempts or failed
// terminally.
type ExecutionError struct {
	TaskID   string
	Attempts int
	Detail   *faults.Detail
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Detail)
}

// Unwrap exposes the classified detail.
func (e *ExecutionError) Unwrap() error { return e.Detail }

// Scheduler coordinates pool leases, budget monitors, and the retry loop.
type Scheduler struct {
	pool   *pool.Manager
	budget budget.Config
	cfg    Config
	emit   Emitter
	logger *zap.Logger
	met    *metrics.Metrics

	mu    sync.Mutex
	tasks map[string]*taskState
}

type taskState struct {
	cancelAttempt context.CancelFunc
	contextID     string
	cancelled     bool
}

// New builds a scheduler over the pool.
func New(p *pool.Manager, budgetCfg budget.Config, cfg Config, emit Emitter, logger *zap.Logger, met *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(string, string, status.SchedulerPayload) {}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{
		pool:   p,
		budget: budgetCfg,
		cfg:    cfg,
		emit:   emit,
		logger: logger,
		met:    met,
		tasks:  map[string]*taskState{},
	}
}

// Run drives the task through up to MaxRetries+1 attempts. Only crashed
// attempts are retried; budget violations and plain failures are terminal.
func (s *Scheduler) Run(ctx context.Context, task Task, runner Runner) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &taskState{cancelAttempt: cancel}
	s.mu.Lock()
	if _, dup := s.tasks[task.TaskID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s is already running", task.TaskID)
	}
	s.tasks[task.TaskID] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tasks, task.TaskID)
		s.mu.Unlock()
	}()

	start := time.Now()
	maxAttempts := s.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, retry, err := s.runAttempt(ctx, task, st, runner, attempt, maxAttempts, start)
		if retry {
			continue
		}
		if err != nil {
			s.met.ObserveTaskDuration(statusLabel(err), time.Since(start))
			return nil, err
		}
		s.met.ObserveTaskDuration("succeeded", time.Since(start))
		return result, nil
	}
	// Unreachable: the last attempt never asks for a retry.
	return nil, &ExecutionError{TaskID: task.TaskID, Attempts: maxAttempts,
		Detail: faults.New(faults.KindRuntime, "attempt loop exhausted")}
}

func (s *Scheduler) runAttempt(ctx context.Context, task Task, st *taskState, runner Runner, attempt, maxAttempts int, start time.Time) (*Result, bool, error) {
	lease, err := s.pool.Acquire(ctx, pool.Request{TaskID: task.TaskID, Priority: task.Priority})
	if err != nil {
		if s.isCancelled(task.TaskID) {
			return nil, false, ErrCancelled
		}
		detail := faults.Classify(err)
		s.emitFor(task.TaskID, "", status.SchedulerPayload{
			Event:    status.SchedulerFailed,
			Priority: string(task.Priority),
			Error:    detail,
		})
		return nil, false, &ExecutionError{TaskID: task.TaskID, Attempts: attempt, Detail: detail}
	}
	s.met.ObserveAcquireWait(lease.AssignmentWait)

	// Publish the assignment before anything can run on it, then close the
	// cancel race: a cancel that arrived while acquiring kills the session
	// now instead of never.
	s.mu.Lock()
	st.contextID = lease.ContextID
	cancelled := st.cancelled
	s.mu.Unlock()
	if cancelled {
		lease.Destroy()
		return nil, false, ErrCancelled
	}

	s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
		Event:            status.SchedulerStarted,
		Priority:         string(task.Priority),
		ContextID:        lease.ContextID,
		AssignmentWaitMS: lease.AssignmentWait.Milliseconds(),
	})

	attemptStart := time.Now()
	mon := budget.Start(lease.Client, s.budget, s.logger, s.met, func(v budget.Violation) {
		s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
			Event:     status.SchedulerBudgetExceeded,
			Priority:  string(task.Priority),
			ContextID: lease.ContextID,
			Error:     violationDetail(v),
		})
		if v.Killed {
			s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
				Event:     status.SchedulerBudgetKilled,
				Priority:  string(task.Priority),
				ContextID: lease.ContextID,
				Error:     violationDetail(v),
			})
		}
	})

	runErr := runner(ctx, lease, attempt, maxAttempts)
	mon.Stop()

	violation := mon.Violation()
	killed := mon.KillTriggered()
	crashReason, crashed := lease.ObservedCrash()
	if !crashed && runErr != nil && faults.IsCrashSignal(runErr) {
		crashed = true
		crashReason = runErr.Error()
	}
	// A budget kill closes the session itself; the crash signatures that
	// follow belong to the kill, not to a renderer death.
	if killed {
		crashed = false
	}

	if crashed || killed {
		lease.Destroy()
	} else {
		lease.Release()
	}

	if s.isCancelled(task.TaskID) {
		// Capability errors after the session was destroyed under the task
		// are cancellation, not failure.
		return nil, false, ErrCancelled
	}

	if runErr == nil && violation == nil && !crashed {
		s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
			Event:            status.SchedulerSucceeded,
			Priority:         string(task.Priority),
			ContextID:        lease.ContextID,
			AssignmentWaitMS: lease.AssignmentWait.Milliseconds(),
			DurationMS:       time.Since(attemptStart).Milliseconds(),
		})
		return &Result{TaskID: task.TaskID, AttemptsUsed: attempt, Duration: time.Since(start)}, false, nil
	}

	detail := s.attemptDetail(runErr, violation, crashed, crashReason)

	if crashed {
		s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
			Event:     status.SchedulerCrashDetected,
			Priority:  string(task.Priority),
			ContextID: lease.ContextID,
			Error:     detail,
		})
	}

	// Only crashes are retried; a budget kill on the same attempt wins.
	if crashed && violation == nil && attempt < maxAttempts {
		s.met.IncCrashRetry()
		s.logger.Info("retrying crashed attempt",
			zap.String("taskId", task.TaskID),
			zap.Int("attempt", attempt),
			zap.String("reason", crashReason))
		s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
			Event:     status.SchedulerRetrying,
			Priority:  string(task.Priority),
			ContextID: lease.ContextID,
			Error:     detail,
		})
		return nil, true, nil
	}

	s.emitFor(task.TaskID, lease.ContextID, status.SchedulerPayload{
		Event:      status.SchedulerFailed,
		Priority:   string(task.Priority),
		ContextID:  lease.ContextID,
		DurationMS: time.Since(attemptStart).Milliseconds(),
		Error:      detail,
	})
	return nil, false, &ExecutionError{TaskID: task.TaskID, Attempts: attempt, Detail: detail}
}

func (s *Scheduler) attemptDetail(runErr error, violation *budget.Violation, crashed bool, crashReason string) *faults.Detail {
	switch {
	case violation != nil:
		return violationDetail(*violation)
	case crashed:
		return faults.New(faults.KindRuntime, "session crashed: "+crashReason).WithRetryable(true)
	default:
		return faults.Classify(runErr)
	}
}

func violationDetail(v budget.Violation) *faults.Detail {
	return faults.Newf(faults.KindRuntime,
		"resource budget violated: %s %.1f over budget %.1f for %s",
		v.Resource, v.Value, v.Budget, v.Sustained.Round(time.Millisecond)).
		WithRetryable(false)
}

// Cancel destroys the task's assigned session, or aborts its queued
// acquire. It reports whether the task was found in flight. Idempotent.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	already := st.cancelled
	st.cancelled = true
	contextID := st.contextID
	cancelAttempt := st.cancelAttempt
	s.mu.Unlock()
	if already {
		return true
	}

	if contextID != "" {
		s.pool.DestroyContext(contextID)
	}
	cancelAttempt()
	s.logger.Info("task cancelled",
		zap.String("taskId", taskID),
		zap.String("contextId", contextID))
	return true
}

func (s *Scheduler) isCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	return ok && st.cancelled
}

// emitFor drops events for cancelled tasks: after a cancel the stream goes
// quiet until the caller's terminal CANCELLED.
func (s *Scheduler) emitFor(taskID, contextID string, p status.SchedulerPayload) {
	if s.isCancelled(taskID) {
		return
	}
	s.emit(taskID, contextID, p)
}

// PoolSnapshot exposes the pool state for observability surfaces.
func (s *Scheduler) PoolSnapshot() pool.Snapshot {
	return s.pool.Snapshot()
}

func statusLabel(err error) string {
	if errors.Is(err, ErrCancelled) {
		return "cancelled"
	}
	return "failed"
}
