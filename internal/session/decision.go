package session

import (
	"fmt"

	"wraith/internal/faults"
)

// ActionKind names the navigator's possible next moves.
type ActionKind string

const (
	ActionClick    ActionKind = "CLICK"
	ActionType     ActionKind = "TYPE"
	ActionPressKey ActionKind = "PRESS_KEY"
	ActionScroll   ActionKind = "SCROLL"
	ActionWait     ActionKind = "WAIT"
	ActionExtract  ActionKind = "EXTRACT"
	ActionDone     ActionKind = "DONE"
	ActionFailed   ActionKind = "FAILED"
)

// SpecialKey is a named key for PRESS_KEY decisions.
type SpecialKey string

const (
	KeyEnter  SpecialKey = "Enter"
	KeyTab    SpecialKey = "Tab"
	KeyEscape SpecialKey = "Escape"
)

// Point is a viewport coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Decision is the navigator's chosen next action with its confidence.
// ScrollByPx applies only to SCROLL; zero means one viewport height.
type Decision struct {
	Kind       ActionKind `json:"kind"`
	Target     *Point     `json:"target,omitempty"`
	Text       string     `json:"text,omitempty"`
	Key        SpecialKey `json:"key,omitempty"`
	ScrollByPx int        `json:"scrollByPx,omitempty"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// Validate enforces the per-kind invariants. Violations are validation
// faults: the decision never reaches the session.
func (d Decision) Validate() error {
	switch d.Kind {
	case ActionClick:
		if d.Target == nil {
			return faults.New(faults.KindValidation, "invalid decision: CLICK requires a target")
		}
	case ActionType:
		if d.Text == "" {
			return faults.New(faults.KindValidation, "invalid decision: TYPE requires non-empty text")
		}
	case ActionPressKey:
		switch d.Key {
		case KeyEnter, KeyTab, KeyEscape:
		default:
			return faults.Newf(faults.KindValidation, "invalid decision: PRESS_KEY requires a known key, got %q", d.Key)
		}
	case ActionScroll, ActionWait, ActionExtract, ActionDone, ActionFailed:
	default:
		return faults.Newf(faults.KindValidation, "invalid decision: unknown kind %q", d.Kind)
	}

	if d.Kind != ActionPressKey && d.Key != "" {
		return faults.Newf(faults.KindValidation, "invalid decision: %s must not carry a key", d.Kind)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return faults.Newf(faults.KindValidation, "invalid decision: confidence %v outside [0,1]", d.Confidence)
	}
	return nil
}

// Label renders the decision for history summaries and progress labels.
func (d Decision) Label() string {
	switch d.Kind {
	case ActionClick:
		if d.Target != nil {
			return fmt.Sprintf("CLICK @%d,%d", d.Target.X, d.Target.Y)
		}
		return "CLICK"
	case ActionType:
		text := d.Text
		if len(text) > 24 {
			text = text[:24] + "…"
		}
		return fmt.Sprintf("TYPE %q", text)
	case ActionPressKey:
		return fmt.Sprintf("PRESS_KEY %s", d.Key)
	default:
		return string(d.Kind)
	}
}

// ActionStatus reports how an execution ended.
type ActionStatus string

const (
	StatusActed  ActionStatus = "acted"
	StatusDone   ActionStatus = "done"
	StatusFailed ActionStatus = "failed"
)

// MutationSummary counts what the settle observer saw after an action.
type MutationSummary struct {
	AddedNodes              int  `json:"addedNodes"`
	RemovedNodes            int  `json:"removedNodes"`
	AttributeChanges        int  `json:"attributeChanges"`
	InteractiveRoleMutation bool `json:"interactiveRoleMutation"`
}

// significantMutationNodes is the added+removed node count at which a
// mutation invalidates the cached perception.
const significantMutationNodes = 3

// Significant reports whether the mutation is large enough to make the
// prior structured tree stale.
func (m MutationSummary) Significant() bool {
	return m.AddedNodes+m.RemovedNodes >= significantMutationNodes || m.InteractiveRoleMutation
}

// ActionResult reports what executing a decision changed.
type ActionResult struct {
	Status              ActionStatus    `json:"status"`
	FinalURL            string          `json:"finalUrl"`
	NavigationObserved  bool            `json:"navigationObserved"`
	SignificantMutation bool            `json:"significantMutation"`
	Mutations           MutationSummary `json:"mutations"`
	FocusChanged        bool            `json:"focusChanged"`
	ScrollChanged       bool            `json:"scrollChanged"`
	InputValueChanged   bool            `json:"inputValueChanged"`
	Extracted           string          `json:"extracted,omitempty"`
	Message             string          `json:"message,omitempty"`
}

// ProgressObserved reports whether the action changed anything a navigator
// would consider forward motion. The flag and the summary both count: a
// client may set SignificantMutation directly or only report the counts.
func (r *ActionResult) ProgressObserved() bool {
	return r.NavigationObserved || r.SignificantMutation || r.Mutations.Significant() ||
		r.FocusChanged || r.InputValueChanged
}
