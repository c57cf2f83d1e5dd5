// Package navigatortest provides deterministic navigators for exercising
// the perception-action loop without a model behind it.
package navigatortest

import (
	"context"
	"sync"

	"wraith/internal/navigator"
	"wraith/internal/session"
)

// Call records one Decide invocation for assertions.
type Call struct {
	Tier             navigator.Tier
	Intent           string
	URL              string
	EscalationReason string
	Correction       string
	ScrollHint       bool
	HadImage         bool
}

// Scripted replays a fixed decision sequence. When the script runs out it
// returns DONE so loops terminate. DecideFn, when set, overrides the
// script entirely.
type Scripted struct {
	Decisions []session.Decision
	Errs      []error // parallel to Decisions; nil entries mean success
	DecideFn  func(ctx context.Context, req navigator.Request) (session.Decision, error)

	mu    sync.Mutex
	calls []Call
	next  int
}

// Decide implements navigator.Navigator.
func (s *Scripted) Decide(ctx context.Context, req navigator.Request) (session.Decision, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Tier:             req.Tier,
		Intent:           req.Intent,
		URL:              req.Observation.URL,
		EscalationReason: req.EscalationReason,
		Correction:       req.Correction,
		ScrollHint:       req.ScrollHint,
		HadImage:         req.Observation.Image != nil,
	})
	idx := s.next
	s.next++
	s.mu.Unlock()

	if s.DecideFn != nil {
		return s.DecideFn(ctx, req)
	}
	if idx >= len(s.Decisions) {
		return session.Decision{Kind: session.ActionDone, Confidence: 1, Reasoning: "script exhausted"}, nil
	}
	if idx < len(s.Errs) && s.Errs[idx] != nil {
		return session.Decision{}, s.Errs[idx]
	}
	return s.Decisions[idx], nil
}

// Model implements navigator.Navigator.
func (s *Scripted) Model(tier navigator.Tier) string {
	if tier == navigator.Tier2Visual {
		return "scripted-vision"
	}
	return "scripted"
}

// Calls returns every recorded invocation.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many decisions were requested.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var _ navigator.Navigator = (*Scripted)(nil)
