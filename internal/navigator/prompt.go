package navigator

import (
	"fmt"
	"strings"
)

const systemPreamble = `You are a browser automation navigator. You observe one web page and
choose exactly one next action that advances the user's intent.

Respond with a single JSON object and nothing else:

{
  "kind": "CLICK|TYPE|PRESS_KEY|SCROLL|WAIT|EXTRACT|DONE|FAILED",
  "target": {"x": <int>, "y": <int>},
  "text": "<text to type>",
  "key": "Enter|Tab|Escape",
  "scrollByPx": <int>,
  "confidence": <float 0..1>,
  "reasoning": "<one short sentence>"
}

Rules:
- CLICK requires target coordinates taken from an element's bounds.
- TYPE requires non-empty text; the focused field receives it.
- PRESS_KEY requires key; no other action may carry key.
- Use DONE only when the intent is fully satisfied on this page.
- Use FAILED only when no action can possibly advance the intent.
- confidence reflects how certain you are this action is correct.`

// BuildPrompt renders the textual part of a decision request. Tier 2
// requests additionally attach the screenshot as an inline image part.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n## Intent\n")
	b.WriteString(req.Intent)

	obs := req.Observation
	fmt.Fprintf(&b, "\n\n## Page\nURL: %s\n", obs.URL)
	if obs.Tree != nil {
		b.WriteString("\n## Structure\n")
		b.WriteString(obs.Tree.Encoded)
	}

	if len(obs.History) > 0 {
		b.WriteString("\n## Recent steps\n")
		for _, h := range obs.History {
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}

	if obs.ErrorContext != nil {
		fmt.Fprintf(&b, "\n## Last error\n%s\n", obs.ErrorContext.Message)
	}

	if req.Tier == Tier2Visual {
		b.WriteString("\n## Visual\nA screenshot of the current viewport is attached.")
		if req.EscalationReason != "" {
			fmt.Fprintf(&b, "\nYou were escalated to the visual path because: %s.", req.EscalationReason)
		}
		if req.ScrollHint {
			b.WriteString("\nThe target may be below the fold; SCROLL down one viewport if you cannot see it.")
		}
	}

	if req.Correction != "" {
		fmt.Fprintf(&b, "\n## Correction\nYour previous response could not be parsed:\n%s\nRespond again with exactly one valid JSON object.", req.Correction)
	}

	return b.String()
}
