package plan

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genIntentText() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf(
		"open google.com",
		"search for airpods",
		"click the first result",
		"extract the title",
		"fill out the form",
		"compare prices on Amazon and Best Buy",
		"scroll to the bottom of the page",
		"press enter",
		"read the reviews",
		"save the top three links",
	)).Map(func(parts []string) string {
		return strings.Join(parts, " then ")
	})
}

func TestDecomposeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("plan preserves intent text verbatim", prop.ForAll(
		func(text string) bool {
			d := NewDecomposer()
			p, err := d.Decompose(text, Classify(text, ModeAuto))
			if err != nil {
				return false
			}
			return p.Intent == strings.TrimSpace(text)
		},
		genIntentText(),
	))

	properties.Property("isDecomposed tracks the subtask count", prop.ForAll(
		func(text string) bool {
			d := NewDecomposer()
			p, err := d.Decompose(text, Classify(text, ModeAuto))
			if err != nil {
				return false
			}
			return p.IsDecomposed == (len(p.Primary) >= decomposeThreshold)
		},
		genIntentText(),
	))

	properties.Property("activation marks exactly the first subtask", prop.ForAll(
		func(text string) bool {
			d := NewDecomposer()
			p, err := d.Decompose(text, Classify(text, ModeAuto))
			if err != nil {
				return false
			}
			if err := p.Activate(); err != nil {
				return false
			}
			for i, st := range p.Active() {
				want := SubtaskPending
				if i == 0 {
					want = SubtaskInProgress
				}
				if st.Status != want {
					return false
				}
			}
			return true
		},
		genIntentText(),
	))

	properties.Property("subtask ids are unique and deps resolve", prop.ForAll(
		func(text string) bool {
			d := NewDecomposer()
			p, err := d.Decompose(text, Classify(text, ModeAuto))
			if err != nil {
				return false
			}
			seen := map[string]bool{}
			for _, st := range p.Primary {
				if st.ID == "" || seen[st.ID] {
					return false
				}
				seen[st.ID] = true
			}
			for _, st := range p.Primary {
				for _, dep := range st.DependsOn {
					if !seen[dep] {
						return false
					}
				}
			}
			return true
		},
		genIntentText(),
	))

	properties.TestingRun(t)
}
