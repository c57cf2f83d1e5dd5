// Package plan turns free-text intents into classified, verifiable subtask
// plans for the runtime to execute.
package plan

import (
	"fmt"
	"time"
)

// IntentKind partitions submissions by what the runtime must do with them.
type IntentKind string

const (
	IntentNavigate IntentKind = "NAVIGATE"
	IntentResearch IntentKind = "RESEARCH"
	IntentTransact IntentKind = "TRANSACT"
	IntentGenerate IntentKind = "GENERATE"
)

// Mode is the submission-level classification override.
type Mode string

const (
	ModeAuto     Mode = "AUTO"
	ModeBrowse   Mode = "BROWSE"
	ModeDo       Mode = "DO"
	ModeMake     Mode = "MAKE"
	ModeResearch Mode = "RESEARCH"
)

// Classification sources.
const (
	SourceModeOverride = "MODE_OVERRIDE"
	SourceHeuristic    = "HEURISTIC"
	SourceDefault      = "DEFAULT"
)

// Classification records how an intent was partitioned.
type Classification struct {
	Intent     IntentKind `json:"intent"`
	Source     string     `json:"source"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
}

// VerificationType declares how a subtask's success is checked.
type VerificationType string

const (
	VerifyElementPresent  VerificationType = "element_present"
	VerifyURLMatches      VerificationType = "url_matches"
	VerifyDataExtracted   VerificationType = "data_extracted"
	VerifyActionConfirmed VerificationType = "action_confirmed"
	VerifyHumanReview     VerificationType = "human_review"
)

// Verification is a subtask's declarative success condition.
type Verification struct {
	Type      VerificationType `json:"type"`
	Condition string           `json:"condition"`
}

// SubtaskStatus tracks plan progress.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskComplete   SubtaskStatus = "complete"
	SubtaskFailed     SubtaskStatus = "failed"
)

// ExecMode marks whether a subtask may run alongside its siblings.
type ExecMode string

const (
	ExecSequential ExecMode = "sequential"
	ExecParallel   ExecMode = "parallel"
)

// PerceptionHint guides which navigator tier a subtask should start on.
type PerceptionHint string

const (
	HintStructuredSufficient PerceptionHint = "structured_sufficient"
	HintVisualRequired       PerceptionHint = "visual_required"
	HintUnknown              PerceptionHint = "unknown"
)

// Subtask is one verifiable unit of a decomposition plan.
type Subtask struct {
	ID           string         `json:"id"`
	Intent       string         `json:"intent"`
	StartURL     string         `json:"startUrl,omitempty"`
	Verification Verification   `json:"verification"`
	Status       SubtaskStatus  `json:"status"`
	Mode         ExecMode       `json:"mode"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
	Hint         PerceptionHint `json:"hint"`
}

// Plan is the decomposition of one intent: a primary subtask sequence plus
// an optional simplified fallback.
type Plan struct {
	Intent         string     `json:"intent"`
	Primary        []*Subtask `json:"primary"`
	Fallback       []*Subtask `json:"fallback,omitempty"`
	FallbackActive bool       `json:"fallbackActive"`
	ImpliedSteps   int        `json:"impliedSteps"`
	IsDecomposed   bool       `json:"isDecomposed"`
	GeneratedBy    string     `json:"generatedBy"`
	GeneratedAt    time.Time  `json:"generatedAt"`
}

// Active returns the subtask sequence currently being executed.
func (p *Plan) Active() []*Subtask {
	if p.FallbackActive {
		return p.Fallback
	}
	return p.Primary
}

// Activate validates the plan and moves its first subtask to in_progress.
func (p *Plan) Activate() error {
	if err := p.Validate(); err != nil {
		return err
	}
	active := p.Active()
	active[0].Status = SubtaskInProgress
	return nil
}

// SwitchToFallback abandons the primary sequence for the stored fallback.
// It reports false when no fallback exists or it is already active.
func (p *Plan) SwitchToFallback() bool {
	if p.FallbackActive || len(p.Fallback) == 0 {
		return false
	}
	p.FallbackActive = true
	p.Fallback[0].Status = SubtaskInProgress
	return true
}

// Validate checks plan shape: non-empty active sequence, unique subtask
// ids, dependencies that reference known ids, and an acyclic dependency
// graph.
func (p *Plan) Validate() error {
	active := p.Active()
	if len(active) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}

	ids := make(map[string]int, len(active))
	for i, st := range active {
		if st.ID == "" {
			return fmt.Errorf("subtask %d has no id", i)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = i
	}

	// Kahn's walk over the dependency edges to reject cycles.
	indegree := make(map[string]int, len(active))
	dependents := make(map[string][]string, len(active))
	for _, st := range active {
		for _, dep := range st.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("subtask %q depends on unknown id %q", st.ID, dep)
			}
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	queue := make([]string, 0, len(active))
	for _, st := range active {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(active) {
		return fmt.Errorf("subtask dependencies contain a cycle")
	}
	return nil
}

// CompletedCount returns how many active subtasks finished.
func (p *Plan) CompletedCount() int {
	n := 0
	for _, st := range p.Active() {
		if st.Status == SubtaskComplete {
			n++
		}
	}
	return n
}
