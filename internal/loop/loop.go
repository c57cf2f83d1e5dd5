// Package loop drives one task inside one session: perceive, decide, act,
// with tiered escalation to the visual path, perception staleness
// tracking, and a hard step cap.
package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wraith/internal/faults"
	"wraith/internal/lifecycle"
	"wraith/internal/metrics"
	"wraith/internal/navigator"
	"wraith/internal/plan"
	"wraith/internal/session"
)

// FinalState classifies how an attempt ended.
type FinalState string

const (
	StateDone     FinalState = "done"
	StateFailed   FinalState = "failed"
	StateMaxSteps FinalState = "max_steps"
)

// ReasonHumanReview marks failures that must be routed to a human instead
// of retried.
const ReasonHumanReview = "HUMAN_REVIEW_REQUIRED"

// Escalation triggers, used as metric labels and cache-key reasons.
const (
	escLowConfidence       = "low_confidence"
	escTier1Failed         = "tier1_failed"
	escStructuredDeficient = "structured_deficient"
	escNoProgress          = "no_progress"
	escVisualHint          = "visual_required"
)

// historyCap bounds the rolling step summary handed to the navigator.
const historyCap = 8

// Config tunes one loop.
type Config struct {
	MaxSteps            int
	SettleTimeout       time.Duration
	ConfidenceThreshold float64
	TreeCharBudget      int
	CompactEncoding     bool
	CacheSize           int
	CacheTTL            time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 3 * time.Second
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.75
	}
	return c
}

// Task is one unit of work for the loop.
type Task struct {
	TaskID   string
	Intent   string
	StartURL string
	Hint     plan.PerceptionHint
}

// Outcome is the terminal result of one attempt.
type Outcome struct {
	FinalState  FinalState
	StepsTaken  int
	FinalURL    string
	Error       *faults.Detail
	Extracted   []string
	LastAction  string
	HumanReview bool
}

// Loop composes a session client, a navigator, and a task state machine.
type Loop struct {
	client  session.Client
	nav     navigator.Navigator
	machine *lifecycle.Machine
	cfg     Config
	logger  *zap.Logger
	met     *metrics.Metrics
	cache   *decisionCache
}

// New builds a loop for one lease.
func New(client session.Client, nav navigator.Navigator, machine *lifecycle.Machine, cfg Config, logger *zap.Logger, met *metrics.Metrics) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	cache, err := newDecisionCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &Loop{
		client:  client,
		nav:     nav,
		machine: machine,
		cfg:     cfg,
		logger:  logger,
		met:     met,
		cache:   cache,
	}, nil
}

// runState is the mutable per-attempt state threaded through steps.
type runState struct {
	step       int
	url        string
	tree       *session.StructuredTree
	stale      bool
	staleWhy   string
	noProgress int
	history    []string
	prev       []session.Decision
	errCtx     *faults.Detail
	extracted  []string
	lastAction string
}

// Run drives the task to a terminal outcome. A crash-signature failure
// aborts the attempt with an error so the scheduler can retry on a fresh
// session; every other terminal path returns an Outcome (Error set for
// non-success).
func (l *Loop) Run(ctx context.Context, task Task) (*Outcome, error) {
	rs := &runState{stale: true, staleWhy: "initial step"}
	defer l.resetMachine()

	for rs.step = 1; rs.step <= l.cfg.MaxSteps; rs.step++ {
		outcome, err := l.runStep(ctx, task, rs)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			l.met.ObserveSteps(outcome.StepsTaken)
			return outcome, nil
		}
	}

	// Step cap exhausted.
	detail := faults.Newf(faults.KindRuntime, "step cap of %d reached without completion", l.cfg.MaxSteps).
		WithURL(rs.url).WithStep(l.cfg.MaxSteps)
	l.failMachine(l.cfg.MaxSteps, rs.url, "max_steps", detail)
	l.met.ObserveSteps(l.cfg.MaxSteps)
	return &Outcome{
		FinalState: StateMaxSteps,
		StepsTaken: l.cfg.MaxSteps,
		FinalURL:   rs.url,
		Error:      detail,
		Extracted:  rs.extracted,
		LastAction: rs.lastAction,
	}, nil
}

// runStep executes one perceive-decide-act cycle. A nil, nil return means
// the loop continues.
func (l *Loop) runStep(ctx context.Context, task Task, rs *runState) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Loading: first step navigates to the start URL.
	if rs.step == 1 || l.machine.Current() == lifecycle.StateLoading {
		if cont, outcome, err := l.stepLoading(ctx, task, rs); !cont {
			return outcome, err
		}
	}

	// Perceiving: capture or reuse the structured tree.
	if cont, outcome, err := l.stepPerceive(ctx, task, rs); !cont {
		return outcome, err
	}

	// Inferring: tier 1, bypass, escalation.
	decision, cont, outcome, err := l.stepInfer(ctx, task, rs)
	if !cont {
		return outcome, err
	}

	// Acting.
	return l.stepAct(ctx, task, rs, decision)
}

func (l *Loop) stepLoading(ctx context.Context, task Task, rs *runState) (cont bool, outcome *Outcome, err error) {
	if terr := l.to(lifecycle.StateLoading, rs, "start"); terr != nil {
		return false, l.failOutcome(rs, faults.Classify(terr)), nil
	}

	if task.StartURL == "" {
		url, uerr := l.client.CurrentURL(ctx)
		if uerr != nil {
			outcome, aerr := l.absorbEndsStep(rs, uerr, "read current url")
			return false, outcome, aerr
		}
		rs.url = url
		return true, nil, nil
	}

	nav, nerr := l.client.Navigate(ctx, task.StartURL, 0)
	if nerr != nil {
		// The machine stays in loading; the next step retries navigation.
		outcome, aerr := l.absorbEndsStep(rs, nerr, "navigate to start url")
		return false, outcome, aerr
	}
	rs.url = nav.FinalURL
	rs.stale = true
	rs.staleWhy = "navigation observed"
	l.cache.invalidateURL(rs.url)
	return true, nil, nil
}

func (l *Loop) stepPerceive(ctx context.Context, task Task, rs *runState) (cont bool, outcome *Outcome, err error) {
	// A step absorbed mid-inference resumes there with the tree it had.
	if l.machine.Current() == lifecycle.StateInferring && rs.tree != nil {
		return true, nil, nil
	}
	if terr := l.to(lifecycle.StatePerceiving, rs, ""); terr != nil {
		return false, l.failOutcome(rs, faults.Classify(terr)), nil
	}

	if !rs.stale && rs.tree != nil {
		return true, nil, nil
	}

	tree, perr := l.client.CaptureStructuredTree(ctx, session.TreeOptions{
		CharBudget: l.cfg.TreeCharBudget,
		Compact:    l.cfg.CompactEncoding,
	})
	if perr != nil {
		outcome, aerr := l.absorbEndsStep(rs, perr, "capture structured tree")
		return false, outcome, aerr
	}
	rs.tree = tree
	rs.stale = false
	if tree.URL != "" {
		rs.url = tree.URL
	}
	l.logger.Debug("perceived page",
		zap.String("taskId", task.TaskID),
		zap.Int("step", rs.step),
		zap.String("url", rs.url),
		zap.Int("interactive", len(tree.Interactive)),
		zap.Bool("sufficient", tree.StructuredSufficient()),
		zap.String("refetch", rs.staleWhy))
	return true, nil, nil
}

func (l *Loop) stepInfer(ctx context.Context, task Task, rs *runState) (decision session.Decision, cont bool, outcome *Outcome, err error) {
	if terr := l.to(lifecycle.StateInferring, rs, ""); terr != nil {
		return session.Decision{}, false, l.failOutcome(rs, faults.Classify(terr)), nil
	}

	obs := l.observation(rs, nil)
	fp := footprint(rs.tree)

	tier1, ok := l.cache.get(rs.url, navigator.Tier1Structured, "", fp)
	if !ok {
		var derr error
		tier1, derr = l.decideWithCorrection(ctx, navigator.Request{
			Intent:      task.Intent,
			Observation: obs,
			Tier:        navigator.Tier1Structured,
		})
		if derr != nil {
			o, e := l.absorbEndsStep(rs, derr, "tier 1 decision")
			return session.Decision{}, false, o, e
		}
		l.cache.put(rs.url, navigator.Tier1Structured, "", fp, tier1)
	}

	reason := l.escalationReason(task, rs, tier1)
	if reason == "" {
		return tier1, true, nil, nil
	}

	// Deterministic DOM bypass: when Tier 1 was merely unsure, a unique
	// exact-label match beats a second model call. The other triggers mean
	// the structured view itself is suspect, so they go straight to Tier 2.
	if reason == escLowConfidence {
		if bypass, found := l.domBypass(rs, tier1); found {
			l.logger.Info("dom extraction bypass",
				zap.String("taskId", task.TaskID),
				zap.Int("step", rs.step),
				zap.String("trigger", reason),
				zap.String("action", bypass.Label()))
			l.met.IncEscalation("dom_bypass")
			return bypass, true, nil, nil
		}
	}

	l.met.IncEscalation(reason)
	return l.escalate(ctx, task, rs, reason)
}

// escalate runs Tier 2, retrying once with a scroll hint when the target
// may be below the fold, and bottoms out at human review.
func (l *Loop) escalate(ctx context.Context, task Task, rs *runState, reason string) (session.Decision, bool, *Outcome, error) {
	image, ierr := l.client.CaptureViewportImage(ctx, session.ImageOptions{})
	if ierr != nil {
		o, e := l.absorbEndsStep(rs, ierr, "capture viewport image")
		return session.Decision{}, false, o, e
	}

	decision, derr := l.decideWithCorrection(ctx, navigator.Request{
		Intent:           task.Intent,
		Observation:      l.observation(rs, image),
		Tier:             navigator.Tier2Visual,
		EscalationReason: reason,
	})
	if derr != nil {
		o, e := l.absorbEndsStep(rs, derr, "tier 2 decision")
		return session.Decision{}, false, o, e
	}
	if l.confident(decision) {
		return decision, true, nil, nil
	}

	// One scroll-hinted retry, and only when there is anything left to
	// scroll to.
	if !rs.tree.Scroll.AtBottom() {
		ok, outcome, serr := l.scrollOneViewport(ctx, rs)
		if !ok {
			return session.Decision{}, false, outcome, serr
		}
		image, ierr = l.client.CaptureViewportImage(ctx, session.ImageOptions{})
		if ierr != nil {
			o, e := l.absorbEndsStep(rs, ierr, "capture viewport image after scroll")
			return session.Decision{}, false, o, e
		}
		decision, derr = l.decideWithCorrection(ctx, navigator.Request{
			Intent:           task.Intent,
			Observation:      l.observation(rs, image),
			Tier:             navigator.Tier2Visual,
			EscalationReason: reason,
			ScrollHint:       true,
		})
		if derr != nil {
			o, e := l.absorbEndsStep(rs, derr, "tier 2 decision after scroll")
			return session.Decision{}, false, o, e
		}
		if l.confident(decision) {
			return decision, true, nil, nil
		}
	}

	detail := faults.New(faults.KindValidation,
		"visual escalation could not reach confidence threshold").
		WithURL(rs.url).WithStep(rs.step)
	outcome := l.failOutcome(rs, detail)
	outcome.HumanReview = true
	return session.Decision{}, false, outcome, nil
}

// scrollOneViewport performs the hinted exploration scroll between the two
// Tier 2 calls and refreshes perception afterwards. ok is false when the
// step must end, with outcome and err carrying any terminal verdict.
func (l *Loop) scrollOneViewport(ctx context.Context, rs *runState) (ok bool, outcome *Outcome, err error) {
	scroll := session.Decision{
		Kind:       session.ActionScroll,
		ScrollByPx: rs.tree.Scroll.ViewportHeight,
		Confidence: 1,
		Reasoning:  "explore below the fold before retrying visual inference",
	}
	if _, aerr := l.client.ExecuteAction(ctx, scroll, l.cfg.SettleTimeout); aerr != nil {
		outcome, aerr := l.absorbEndsStep(rs, aerr, "exploration scroll")
		return false, outcome, aerr
	}

	tree, terr := l.client.CaptureStructuredTree(ctx, session.TreeOptions{
		CharBudget: l.cfg.TreeCharBudget,
		Compact:    l.cfg.CompactEncoding,
	})
	if terr != nil {
		outcome, aerr := l.absorbEndsStep(rs, terr, "perceive after scroll")
		return false, outcome, aerr
	}
	rs.tree = tree
	rs.stale = false
	rs.staleWhy = "scroll action just executed"
	l.cache.invalidateURL(rs.url)
	return true, nil, nil
}

func (l *Loop) stepAct(ctx context.Context, task Task, rs *runState, d session.Decision) (*Outcome, error) {
	if err := d.Validate(); err != nil {
		detail := faults.Classify(err).WithStep(rs.step)
		return l.failOutcome(rs, detail), nil
	}
	if terr := l.to(lifecycle.StateActing, rs, d.Label()); terr != nil {
		return l.failOutcome(rs, faults.Classify(terr)), nil
	}
	rs.lastAction = d.Label()

	switch d.Kind {
	case session.ActionDone:
		l.completeMachine(rs, "navigator reported completion")
		return &Outcome{
			FinalState: StateDone,
			StepsTaken: rs.step,
			FinalURL:   rs.url,
			Extracted:  rs.extracted,
			LastAction: rs.lastAction,
		}, nil
	case session.ActionFailed:
		detail := faults.New(faults.KindRuntime, "navigator reported failure: "+d.Reasoning).
			WithURL(rs.url).WithStep(rs.step).WithRetryable(false)
		return l.failOutcome(rs, detail), nil
	}

	l.maybePrefetch(ctx, rs, d)

	result, aerr := l.client.ExecuteAction(ctx, d, l.cfg.SettleTimeout)
	if aerr != nil {
		outcome, e := l.absorbEndsStep(rs, aerr, "execute action")
		// Action dispatch failed; the tree may be mid-change.
		rs.stale = true
		rs.staleWhy = "action failed, page state unknown"
		return outcome, e
	}

	l.afterAction(rs, d, result)

	switch result.Status {
	case session.StatusDone:
		l.completeMachine(rs, "action reported completion")
		return &Outcome{
			FinalState: StateDone,
			StepsTaken: rs.step,
			FinalURL:   rs.url,
			Extracted:  rs.extracted,
			LastAction: rs.lastAction,
		}, nil
	case session.StatusFailed:
		detail := faults.New(faults.KindRuntime, "action failed: "+result.Message).
			WithURL(rs.url).WithStep(rs.step).WithRetryable(false)
		return l.failOutcome(rs, detail), nil
	}
	return nil, nil
}

// afterAction applies the staleness rules and progress tracking.
func (l *Loop) afterAction(rs *runState, d session.Decision, result *session.ActionResult) {
	urlChanged := result.FinalURL != "" && result.FinalURL != rs.url
	if result.FinalURL != "" {
		rs.url = result.FinalURL
	}

	switch {
	case result.NavigationObserved:
		rs.stale = true
		rs.staleWhy = "navigation observed"
	case urlChanged:
		rs.stale = true
		rs.staleWhy = "url changed"
	case result.SignificantMutation || result.Mutations.Significant():
		rs.stale = true
		rs.staleWhy = "significant mutation since last perceive"
	case d.Kind == session.ActionScroll:
		rs.stale = true
		rs.staleWhy = "scroll action just executed"
	}
	if rs.stale {
		l.cache.invalidateURL(rs.url)
	}

	if result.ProgressObserved() || urlChanged {
		rs.noProgress = 0
	} else {
		rs.noProgress++
	}

	if result.Extracted != "" {
		rs.extracted = append(rs.extracted, result.Extracted)
	}
	rs.errCtx = nil
	rs.prev = append(rs.prev, d)

	entry := fmt.Sprintf("step %d: %s on %s -> %s", rs.step, d.Label(), rs.url, summarize(result))
	rs.history = append(rs.history, entry)
	if len(rs.history) > historyCap {
		rs.history = rs.history[len(rs.history)-historyCap:]
	}
}

func summarize(result *session.ActionResult) string {
	switch {
	case result.NavigationObserved:
		return "navigated"
	case result.SignificantMutation || result.Mutations.Significant():
		return "mutated"
	case result.InputValueChanged:
		return "input changed"
	case result.ScrollChanged:
		return "scrolled"
	default:
		return "no visible change"
	}
}

// escalationReason returns the first matching Tier 2 trigger, or "".
func (l *Loop) escalationReason(task Task, rs *runState, tier1 session.Decision) string {
	switch {
	case tier1.Kind == session.ActionFailed:
		return escTier1Failed
	case tier1.Confidence < l.cfg.ConfidenceThreshold:
		return escLowConfidence
	case rs.tree.Deficiency.Any() && rs.tree.LoadComplete && rs.tree.VisibleTextRune > 0:
		return escStructuredDeficient
	case rs.noProgress >= 2:
		return escNoProgress
	case task.Hint == plan.HintVisualRequired:
		return escVisualHint
	}
	return ""
}

// domBypass synthesizes a CLICK when the tier-1 reasoning names a target
// that maps to exactly one interactive element by normalized label.
func (l *Loop) domBypass(rs *runState, tier1 session.Decision) (session.Decision, bool) {
	for _, label := range candidateLabels(tier1) {
		if el, ok := session.FindUniqueByLabel(rs.tree.Interactive, label); ok {
			center := el.Bounds.Center()
			return session.Decision{
				Kind:       session.ActionClick,
				Target:     &center,
				Confidence: 1,
				Reasoning:  fmt.Sprintf("exact label match on %q", el.Name),
			}, true
		}
	}
	return session.Decision{}, false
}

// candidateLabels pulls quoted phrases out of the tier-1 output as
// possible target names.
func candidateLabels(d session.Decision) []string {
	var labels []string
	if d.Text != "" {
		labels = append(labels, d.Text)
	}
	rest := d.Reasoning
	for {
		start := strings.IndexAny(rest, `"'`)
		if start < 0 {
			break
		}
		quote := rest[start]
		end := strings.IndexByte(rest[start+1:], quote)
		if end < 0 {
			break
		}
		if phrase := rest[start+1 : start+1+end]; phrase != "" {
			labels = append(labels, phrase)
		}
		rest = rest[start+1+end+1:]
	}
	return labels
}

// maybePrefetch warms a likely navigation target without blocking the
// action path.
func (l *Loop) maybePrefetch(ctx context.Context, rs *runState, d session.Decision) {
	if d.Kind != session.ActionClick || d.Target == nil {
		return
	}
	prefetcher, ok := l.client.(session.Prefetcher)
	if !ok {
		return
	}
	for _, el := range rs.tree.Interactive {
		if el.Href == "" || el.Bounds == nil {
			continue
		}
		b := *el.Bounds
		if d.Target.X >= b.X && d.Target.X <= b.X+b.Width &&
			d.Target.Y >= b.Y && d.Target.Y <= b.Y+b.Height {
			prefetcher.Prefetch(ctx, el.Href)
			return
		}
	}
}

// decideWithCorrection retries a malformed response once with the raw
// output as correction context.
func (l *Loop) decideWithCorrection(ctx context.Context, req navigator.Request) (session.Decision, error) {
	d, err := l.nav.Decide(ctx, req)
	if err == nil {
		return d, nil
	}
	detail, ok := faults.AsDetail(err)
	if !ok || detail.Kind != faults.KindValidation {
		return session.Decision{}, err
	}

	req.Correction = detail.Message
	d, err = l.nav.Decide(ctx, req)
	if err != nil {
		return session.Decision{}, err
	}
	return d, nil
}

func (l *Loop) confident(d session.Decision) bool {
	return d.Kind != session.ActionFailed && d.Confidence >= l.cfg.ConfidenceThreshold
}

func (l *Loop) observation(rs *runState, image *session.ViewportImage) *session.Observation {
	return &session.Observation{
		URL:             rs.url,
		Tree:            rs.tree,
		Image:           image,
		History:         rs.history,
		PreviousActions: rs.prev,
		ErrorContext:    rs.errCtx,
	}
}

// absorbOrFail implements the loop's propagation policy: crash signals
// abort the attempt, retryable faults are absorbed into the next step as
// error context, everything else fails the attempt.
func (l *Loop) absorbOrFail(rs *runState, err error, op string) (cont bool, outcome *Outcome, abort error) {
	if faults.IsCrashSignal(err) {
		l.failMachine(rs.step, rs.url, "session crashed", faults.Classify(err))
		return false, nil, err
	}

	detail := faults.Classify(err).WithStep(rs.step)
	if detail.URL == "" {
		detail.URL = rs.url
	}
	if detail.Retryable {
		l.logger.Warn("step fault absorbed",
			zap.String("op", op),
			zap.Int("step", rs.step),
			zap.String("kind", string(detail.Kind)),
			zap.Error(err))
		rs.errCtx = detail
		return true, nil, nil
	}
	return false, l.failOutcome(rs, detail), nil
}

// absorbEndsStep is the per-phase wrapper around absorbOrFail: an absorbed
// fault ends the current step with no verdict, leaving the machine where
// it is so the next step resumes the same phase.
func (l *Loop) absorbEndsStep(rs *runState, err error, op string) (*Outcome, error) {
	cont, outcome, abort := l.absorbOrFail(rs, err, op)
	if cont {
		return nil, nil
	}
	return outcome, abort
}

func (l *Loop) failOutcome(rs *runState, detail *faults.Detail) *Outcome {
	l.failMachine(rs.step, rs.url, detail.Message, detail)
	return &Outcome{
		FinalState: StateFailed,
		StepsTaken: rs.step,
		FinalURL:   rs.url,
		Error:      detail,
		Extracted:  rs.extracted,
		LastAction: rs.lastAction,
	}
}

// to moves the machine toward the wanted state, tolerating re-entry of the
// current state (absorbed retries stay in place).
func (l *Loop) to(state lifecycle.State, rs *runState, reason string) error {
	if l.machine.Current() == state {
		return nil
	}
	return l.machine.Transition(state, lifecycle.Meta{Step: rs.step, URL: rs.url, Reason: reason})
}

func (l *Loop) completeMachine(rs *runState, reason string) {
	_ = l.machine.Transition(lifecycle.StateComplete, lifecycle.Meta{Step: rs.step, URL: rs.url, Reason: reason})
}

func (l *Loop) failMachine(step int, url, reason string, detail *faults.Detail) {
	if l.machine.InTerminal() {
		return
	}
	_ = l.machine.Transition(lifecycle.StateFailed, lifecycle.Meta{Step: step, URL: url, Reason: reason, Err: detail})
}

// resetMachine returns the machine to idle after a terminal state so the
// next attempt starts clean.
func (l *Loop) resetMachine() {
	if l.machine.InTerminal() {
		_ = l.machine.Reset("attempt cleanup")
	}
}
