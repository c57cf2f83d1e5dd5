package orchestrator

import (
	"context"
	"time"

	"wraith/internal/faults"
	"wraith/internal/plan"
)

// TaskStatus is the submission-level lifecycle, one layer above the
// per-attempt state machine.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further events.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Routes a submission can take.
const (
	RouteGhostExecute   = "GHOST_EXECUTE"
	RouteTopTabNavigate = "TOP_TAB_NAVIGATE"
	RouteMakerGenerate  = "MAKER_GENERATE"
)

// PartialResult is the progress snapshot frozen when a task is cancelled.
type PartialResult struct {
	CurrentURL    string `json:"currentUrl"`
	CurrentState  string `json:"currentState"`
	CurrentAction string `json:"currentAction"`
	ProgressLabel string `json:"progressLabel"`
	DurationMS    int64  `json:"durationMs"`
}

// Task is the orchestrator's record of one ghost-routed submission.
type Task struct {
	ID             string              `json:"taskId"`
	Intent         string              `json:"intent"`
	Mode           plan.Mode           `json:"mode"`
	Classification plan.Classification `json:"classification"`
	Plan           *plan.Plan          `json:"plan,omitempty"`
	Status         TaskStatus          `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	StartedAt      time.Time           `json:"startedAt"`
	FinishedAt     time.Time           `json:"finishedAt"`
	Partial        PartialResult       `json:"partial"`
	FinalURL       string              `json:"finalUrl,omitempty"`
	Error          *faults.Detail      `json:"error,omitempty"`
	AttemptsUsed   int                 `json:"attemptsUsed"`

	cancelRun       context.CancelFunc
	cancelRequested bool
}

// TaskSummary is the read-only view handed out of Snapshot.
type TaskSummary struct {
	ID           string        `json:"taskId"`
	Intent       string        `json:"intent"`
	Status       TaskStatus    `json:"status"`
	Partial      PartialResult `json:"partial"`
	AttemptsUsed int           `json:"attemptsUsed"`
}

// Classification+route shape returned from Submit, mirroring the public
// command surface.
type SubmissionResult struct {
	Accepted   bool      `json:"accepted"`
	ClearInput bool      `json:"clearInput"`
	Error      string    `json:"error,omitempty"`
	Dispatch   *Dispatch `json:"dispatch,omitempty"`
}

// Dispatch records how one submission was classified and routed.
type Dispatch struct {
	DispatchID         string              `json:"dispatchId"`
	SubmittedAt        time.Time           `json:"submittedAt"`
	Source             string              `json:"source"`
	Mode               plan.Mode           `json:"mode"`
	ModeOverride       bool                `json:"modeOverride"`
	WorkspaceContextID string              `json:"workspaceContextId"`
	RawInput           string              `json:"rawInput"`
	NormalizedURL      string              `json:"normalizedUrl,omitempty"`
	Classification     plan.Classification `json:"classification"`
	ExecutionPlan      ExecutionPlan       `json:"executionPlan"`
	TaskID             string              `json:"taskId,omitempty"`
}

// ExecutionPlan describes where a submission runs.
type ExecutionPlan struct {
	Route          string `json:"route"`
	RunInTopTab    bool   `json:"runInTopTab"`
	SpawnGhostTabs bool   `json:"spawnGhostTabs"`
	PrimaryEngine  string `json:"primaryEngine"`
}

// Snapshot is the observability view of the whole runtime.
type Snapshot struct {
	Pool       PoolView      `json:"pool"`
	Tasks      []TaskSummary `json:"tasks"`
	QueueDepth int           `json:"queueDepth"`
}

// PoolView summarizes slot occupancy.
type PoolView struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Warming   int `json:"warming"`
	Cold      int `json:"cold"`
	MaxSize   int `json:"maxSize"`
}
