package navigator

import (
	"strings"
	"testing"

	"wraith/internal/faults"
	"wraith/internal/session"
)

func TestParseDecisionCleanJSON(t *testing.T) {
	d, err := ParseDecision(`{"kind":"CLICK","target":{"x":40,"y":120},"confidence":0.92,"reasoning":"search button"}`)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.Kind != session.ActionClick || d.Target == nil || d.Target.X != 40 {
		t.Errorf("decision = %+v", d)
	}
	if d.Confidence != 0.92 {
		t.Errorf("confidence = %v", d.Confidence)
	}
}

func TestParseDecisionFencedJSON(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"kind\": \"TYPE\", \"text\": \"airpods pro\", \"confidence\": 0.8}\n```\nDone."
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.Kind != session.ActionType || d.Text != "airpods pro" {
		t.Errorf("decision = %+v", d)
	}
}

func TestParseDecisionRepairsDirtyJSON(t *testing.T) {
	// Trailing comma and single quotes, the usual model damage.
	raw := `{'kind': 'SCROLL', 'confidence': 0.7,}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.Kind != session.ActionScroll {
		t.Errorf("kind = %s", d.Kind)
	}
}

func TestParseDecisionSurroundingProse(t *testing.T) {
	raw := `I think the best move is {"kind":"PRESS_KEY","key":"Enter","confidence":1} because the field is focused`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.Key != session.KeyEnter {
		t.Errorf("key = %s", d.Key)
	}
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{{{{", `{"kind":}`} {
		_, err := ParseDecision(raw)
		if err == nil {
			t.Errorf("ParseDecision(%q) accepted garbage", raw)
			continue
		}
		detail, ok := faults.AsDetail(err)
		if !ok || detail.Kind != faults.KindValidation {
			t.Errorf("ParseDecision(%q) error = %v, want validation fault", raw, err)
		}
	}
}

func TestParseDecisionEnforcesInvariants(t *testing.T) {
	// Parsed fine, but CLICK without target must still be rejected.
	_, err := ParseDecision(`{"kind":"CLICK","confidence":0.9}`)
	if err == nil {
		t.Fatal("CLICK without target accepted")
	}
	detail, _ := faults.AsDetail(err)
	if detail == nil || detail.Kind != faults.KindValidation {
		t.Errorf("error = %v, want validation fault", err)
	}
}

func TestBuildPromptSections(t *testing.T) {
	obs := &session.Observation{
		URL: "https://shop.test/cart",
		Tree: &session.StructuredTree{
			Encoded: `[0] button "Checkout" @10,20,80x30`,
		},
		History: []string{"step 1: CLICK @5,5 on https://shop.test -> mutated"},
	}

	prompt := BuildPrompt(Request{
		Intent:      "buy the cart contents",
		Observation: obs,
		Tier:        Tier1Structured,
	})
	for _, want := range []string{"buy the cart contents", "https://shop.test/cart", `button "Checkout"`, "step 1: CLICK"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "screenshot") {
		t.Error("tier 1 prompt mentions the screenshot")
	}

	visual := BuildPrompt(Request{
		Intent:           "buy the cart contents",
		Observation:      obs,
		Tier:             Tier2Visual,
		EscalationReason: "low_confidence",
		ScrollHint:       true,
	})
	if !strings.Contains(visual, "screenshot of the current viewport") {
		t.Error("tier 2 prompt missing the visual section")
	}
	if !strings.Contains(visual, "low_confidence") {
		t.Error("tier 2 prompt missing the escalation reason")
	}
	if !strings.Contains(visual, "below the fold") {
		t.Error("tier 2 prompt missing the scroll hint")
	}
}

func TestBuildPromptCorrection(t *testing.T) {
	obs := &session.Observation{URL: "https://x.test", Tree: &session.StructuredTree{Encoded: "page"}}
	prompt := BuildPrompt(Request{
		Intent:      "anything",
		Observation: obs,
		Tier:        Tier1Structured,
		Correction:  "not json at all",
	})
	if !strings.Contains(prompt, "could not be parsed") || !strings.Contains(prompt, "not json at all") {
		t.Error("correction context missing from prompt")
	}
}

func TestTierString(t *testing.T) {
	if Tier1Structured.String() != "tier1" || Tier2Visual.String() != "tier2" {
		t.Error("tier names wrong")
	}
}
