package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wraith/internal/faults"
	"wraith/internal/lifecycle"
	"wraith/internal/loop"
	"wraith/internal/plan"
	"wraith/internal/pool"
	"wraith/internal/scheduler"
	"wraith/internal/status"
)

// ReasonFallbackActivated marks the subtask event that announces a switch
// to the plan's simplified fallback sequence.
const ReasonFallbackActivated = "FALLBACK_ACTIVATED"

// makeRunner builds the per-attempt executor for one ghost task. The
// checkpoint of the last completed subtask is shared across attempts, so a
// crash retry resumes after it instead of replaying the whole plan.
func (o *Orchestrator) makeRunner(t *Task) scheduler.Runner {
	var mu sync.Mutex
	checkpoint := -1
	activated := false

	return func(ctx context.Context, lease *pool.Lease, attempt, maxAttempts int) error {
		machine := lifecycle.NewMachine(t.ID, func(p status.StatePayload) {
			o.publish(t.ID, lease.ContextID, p)
		})
		l, err := loop.New(lease.Client, o.nav, machine, o.loopConfig(), o.logger.Named("loop"), o.met)
		if err != nil {
			return err
		}

		mu.Lock()
		if !activated {
			if err := t.Plan.Activate(); err != nil {
				mu.Unlock()
				return faults.Classify(err).WithRetryable(false)
			}
			activated = true
		}
		start := checkpoint + 1
		mu.Unlock()

		active := t.Plan.Active()
		startReason := ""
		for i := start; i < len(active); i++ {
			st := active[i]

			if st.Verification.Type == plan.VerifyHumanReview {
				st.Status = plan.SubtaskFailed
				o.emitSubtask(t, lease.ContextID, st, i, len(active), attempt, checkpoint, loop.ReasonHumanReview)
				return faults.New(faults.KindValidation,
					"subtask requires human review: "+st.Verification.Condition).WithRetryable(false)
			}

			st.Status = plan.SubtaskInProgress
			o.emitSubtask(t, lease.ContextID, st, i, len(active), attempt, checkpoint, startReason)
			startReason = ""

			outcome, runErr := l.Run(ctx, loop.Task{
				TaskID:   t.ID,
				Intent:   st.Intent,
				StartURL: st.StartURL,
				Hint:     st.Hint,
			})
			if runErr != nil {
				// Crash signatures abort the attempt; the checkpoint keeps
				// completed subtasks from replaying on the retry.
				return runErr
			}
			o.met.ObserveSteps(outcome.StepsTaken)

			if outcome.FinalState == loop.StateDone {
				st.Status = plan.SubtaskComplete
				mu.Lock()
				checkpoint = i
				mu.Unlock()
				o.emitSubtask(t, lease.ContextID, st, i, len(active), attempt, i, "")
				continue
			}

			st.Status = plan.SubtaskFailed
			reason := string(outcome.FinalState)
			if outcome.HumanReview {
				reason = loop.ReasonHumanReview
			}
			o.emitSubtask(t, lease.ContextID, st, i, len(active), attempt, checkpoint, reason)

			if !outcome.HumanReview && t.Plan.SwitchToFallback() {
				mu.Lock()
				checkpoint = -1
				mu.Unlock()
				active = t.Plan.Active()
				o.logger.Info("switching to fallback plan",
					zap.String("taskId", t.ID),
					zap.String("failedSubtask", st.ID))
				startReason = ReasonFallbackActivated
				i = -1
				continue
			}

			if outcome.Error != nil {
				return outcome.Error
			}
			return faults.New(faults.KindRuntime, "subtask failed: "+st.Intent).WithRetryable(false)
		}
		return nil
	}
}

func (o *Orchestrator) emitSubtask(t *Task, contextID string, st *plan.Subtask, idx, total, attempt, checkpoint int, reason string) {
	o.publish(t.ID, contextID, status.SubtaskPayload{
		SubtaskID:             st.ID,
		SubtaskIntent:         st.Intent,
		Status:                string(st.Status),
		VerificationType:      string(st.Verification.Type),
		VerificationCondition: st.Verification.Condition,
		CurrentSubtaskIndex:   idx,
		TotalSubtasks:         total,
		Attempt:               attempt,
		CheckpointIndex:       checkpoint,
		Reason:                reason,
	})
}

func (o *Orchestrator) loopConfig() loop.Config {
	return loop.Config{
		MaxSteps:            o.cfg.Loop.MaxSteps,
		SettleTimeout:       o.cfg.SettleTimeout(),
		ConfidenceThreshold: o.cfg.Navigator.ConfidenceThreshold,
		TreeCharBudget:      o.cfg.Loop.TreeCharBudget,
		CompactEncoding:     o.cfg.Loop.UseCompactTreeEncoding,
		CacheSize:           o.cfg.Loop.DecisionCacheSize,
		CacheTTL:            o.cfg.DecisionCacheTTL(),
	}
}
