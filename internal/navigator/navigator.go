// Package navigator defines the LLM-backed decision maker driving each
// session: the two-tier contract, prompt assembly, and strict parsing of
// model output into validated action decisions.
package navigator

import (
	"context"

	"wraith/internal/session"
)

// Tier selects the inference path.
type Tier int

const (
	// Tier1Structured decides from the encoded structured tree only.
	Tier1Structured Tier = 1
	// Tier2Visual additionally sees a viewport screenshot.
	Tier2Visual Tier = 2
)

// String names the tier for logs and metric labels.
func (t Tier) String() string {
	if t == Tier2Visual {
		return "tier2"
	}
	return "tier1"
}

// Request carries everything one decision needs.
type Request struct {
	Intent           string
	Observation      *session.Observation
	Tier             Tier
	EscalationReason string
	// Correction holds the previous malformed model response when the
	// caller retries a failed parse.
	Correction string
	// ScrollHint tells the model the target may sit below the fold.
	ScrollHint bool
}

// Navigator decides the next action for an observation.
type Navigator interface {
	// Decide returns a validated action decision with its confidence.
	// Malformed model output surfaces as a validation fault carrying the
	// raw response so the caller can retry with correction context.
	Decide(ctx context.Context, req Request) (session.Decision, error)

	// Model reports the model identifier used for a tier.
	Model(tier Tier) string
}
