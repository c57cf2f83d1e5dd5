package session

import (
	"strings"
	"testing"

	"wraith/internal/faults"
)

func TestDecisionValidate(t *testing.T) {
	target := &Point{X: 10, Y: 20}

	tests := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{"click with target", Decision{Kind: ActionClick, Target: target, Confidence: 0.9}, false},
		{"click without target", Decision{Kind: ActionClick, Confidence: 0.9}, true},
		{"type with text", Decision{Kind: ActionType, Text: "hello", Confidence: 0.8}, false},
		{"type empty text", Decision{Kind: ActionType, Confidence: 0.8}, true},
		{"press enter", Decision{Kind: ActionPressKey, Key: KeyEnter, Confidence: 1}, false},
		{"press unknown key", Decision{Kind: ActionPressKey, Key: "F13", Confidence: 1}, true},
		{"press without key", Decision{Kind: ActionPressKey, Confidence: 1}, true},
		{"scroll", Decision{Kind: ActionScroll, Confidence: 0.7}, false},
		{"scroll carrying key", Decision{Kind: ActionScroll, Key: KeyTab, Confidence: 0.7}, true},
		{"done carrying key", Decision{Kind: ActionDone, Key: KeyEnter, Confidence: 1}, true},
		{"wait", Decision{Kind: ActionWait, Confidence: 0.5}, false},
		{"extract", Decision{Kind: ActionExtract, Confidence: 0.9}, false},
		{"done", Decision{Kind: ActionDone, Confidence: 1}, false},
		{"failed", Decision{Kind: ActionFailed, Confidence: 0.3}, false},
		{"unknown kind", Decision{Kind: "HOVER", Confidence: 0.5}, true},
		{"confidence above one", Decision{Kind: ActionWait, Confidence: 1.2}, true},
		{"confidence negative", Decision{Kind: ActionWait, Confidence: -0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				detail, ok := faults.AsDetail(err)
				if !ok {
					t.Fatalf("validation error is not a faults.Detail: %v", err)
				}
				if detail.Kind != faults.KindValidation {
					t.Errorf("kind = %s, want validation", detail.Kind)
				}
				if detail.Retryable {
					t.Error("validation faults must not be retryable")
				}
			}
		})
	}
}

func TestMutationSummarySignificant(t *testing.T) {
	tests := []struct {
		name string
		m    MutationSummary
		want bool
	}{
		{"nothing", MutationSummary{}, false},
		{"two nodes", MutationSummary{AddedNodes: 1, RemovedNodes: 1}, false},
		{"three added", MutationSummary{AddedNodes: 3}, true},
		{"mixed to three", MutationSummary{AddedNodes: 2, RemovedNodes: 1}, true},
		{"interactive role only", MutationSummary{InteractiveRoleMutation: true}, true},
		{"attributes only", MutationSummary{AttributeChanges: 50}, false},
	}
	for _, tt := range tests {
		if got := tt.m.Significant(); got != tt.want {
			t.Errorf("%s: Significant() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestActionResultProgressObserved(t *testing.T) {
	tests := []struct {
		name string
		r    ActionResult
		want bool
	}{
		{"inert", ActionResult{Status: StatusActed}, false},
		{"navigation", ActionResult{NavigationObserved: true}, true},
		{"flag only", ActionResult{SignificantMutation: true}, true},
		{"summary only", ActionResult{Mutations: MutationSummary{AddedNodes: 4}}, true},
		{"summary below threshold", ActionResult{Mutations: MutationSummary{AddedNodes: 1}}, false},
		{"focus", ActionResult{FocusChanged: true}, true},
		{"input value", ActionResult{InputValueChanged: true}, true},
	}
	for _, tt := range tests {
		if got := tt.r.ProgressObserved(); got != tt.want {
			t.Errorf("%s: ProgressObserved() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDecisionLabel(t *testing.T) {
	d := Decision{Kind: ActionClick, Target: &Point{X: 5, Y: 9}}
	if got := d.Label(); got != "CLICK @5,9" {
		t.Errorf("Label() = %q", got)
	}
	long := Decision{Kind: ActionType, Text: strings.Repeat("x", 40)}
	if got := long.Label(); len(got) > 40 {
		t.Errorf("long TYPE label not truncated: %q", got)
	}
}

func TestScrollPositionAtBottom(t *testing.T) {
	if (ScrollPosition{RemainingScrollPx: 3}).AtBottom() {
		t.Error("3px remaining should not be bottom")
	}
	if !(ScrollPosition{RemainingScrollPx: 2}).AtBottom() {
		t.Error("2px remaining should be bottom")
	}
}
