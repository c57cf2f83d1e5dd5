package plan

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// generatorName tags plans produced by the heuristic decomposer.
	generatorName = "heuristic-v1"

	// maxSubtasks bounds runaway clause splitting.
	maxSubtasks = 10

	// decomposeThreshold is the estimated step count at which an intent
	// stops being a single subtask and gets a real plan.
	decomposeThreshold = 3
)

var (
	strongConnectors = regexp.MustCompile(`(?i)\b(?:and then|then|next|finally|after that|afterwards)\b|;`)
	actionVerbs      = []string{
		"open", "navigate", "visit", "go",
		"search", "find", "look",
		"click", "select", "choose", "press",
		"type", "enter", "fill", "submit",
		"extract", "collect", "capture", "return", "copy", "save",
		"compare", "scroll", "download", "read",
	}
	// Capitalization is load-bearing here: site names are proper nouns, so
	// the character classes stay case-sensitive while connectors do not.
	siteListPattern = regexp.MustCompile(`\b(?:[oO]n|[fF]rom|[aA]cross|[bB]etween)\s+([A-Z][\w.'&-]*(?:\s+[A-Z][\w.'&-]*)*(?:\s*(?:,|\band\b)\s*[A-Z][\w.'&-]*(?:\s+[A-Z][\w.'&-]*)*)+)`)
	siteSepPattern  = regexp.MustCompile(`\s*(?:,|\band\b)\s*`)
	urlTokenPattern = regexp.MustCompile(`(?i)\b(?:https?://\S+|[a-z0-9][a-z0-9-]*(?:\.[a-z0-9][a-z0-9-]*)+(?:/\S*)?)\b`)
	humanReviewTerms = []string{
		"captcha", "2fa", "two-factor", "verification code", "one-time code",
		"otp", "ssn", "social security", "payment confirmation", "cvv",
	}
	visualTerms = []string{
		"chart", "graph", "map", "image", "photo", "picture", "canvas",
		"video", "screenshot", "diagram",
	}
)

// Decomposer turns classified intents into subtask plans using clause
// splitting and verb-family verification inference.
type Decomposer struct {
	now func() time.Time
}

// NewDecomposer returns a decomposer stamping plans with wall-clock time.
func NewDecomposer() *Decomposer {
	return &Decomposer{now: time.Now}
}

// Decompose builds a plan for the classified intent. Intents estimated
// under the threshold become a single relaxed subtask; richer intents are
// split into a verifiable sequence with a simplified fallback.
func (d *Decomposer) Decompose(text string, c Classification) (*Plan, error) {
	trimmed := strings.TrimSpace(text)
	steps := EstimateSteps(trimmed)

	p := &Plan{
		Intent:       trimmed,
		ImpliedSteps: steps,
		GeneratedBy:  generatorName,
		GeneratedAt:  d.now(),
	}

	if steps < decomposeThreshold {
		p.Primary = []*Subtask{newSubtask(trimmed, Verification{
			Type:      VerifyActionConfirmed,
			Condition: "intent acted on without error",
		}, nil)}
		p.IsDecomposed = false
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	}

	clauses := d.expandClauses(trimmed, c)
	if len(clauses) > maxSubtasks {
		clauses = clauses[:maxSubtasks]
	}

	var prev *Subtask
	for _, clause := range clauses {
		var deps []string
		if prev != nil {
			deps = []string{prev.ID}
		}
		st := newSubtask(clause, inferVerification(clause), deps)
		p.Primary = append(p.Primary, st)
		prev = st
	}
	p.IsDecomposed = len(p.Primary) >= decomposeThreshold
	p.Fallback = []*Subtask{newSubtask(trimmed, Verification{
		Type:      VerifyActionConfirmed,
		Condition: "best-effort completion of the original intent",
	}, nil)}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// expandClauses splits the intent into executable clauses. Multi-site
// research intents are rewritten into one extraction clause per site plus
// a final aggregation clause, since the surface text rarely spells those
// visits out as separate sentences.
func (d *Decomposer) expandClauses(text string, c Classification) []string {
	if c.Intent == IntentResearch {
		if base, sites := siteSplit(text); len(sites) >= 2 {
			clauses := make([]string, 0, len(sites)+1)
			subject := stripLeadingVerb(base)
			for _, site := range sites {
				clauses = append(clauses, "Extract "+subject+" on "+site)
			}
			clauses = append(clauses, "Compile a comparison from the extracted results")
			return clauses
		}
	}
	return splitClauses(text)
}

// EstimateSteps guesses how many discrete browser actions an intent
// implies: one per clause connector, one per distinct action verb beyond
// the first, and one per extra site mentioned.
func EstimateSteps(text string) int {
	lowered := strings.ToLower(text)
	steps := 1
	steps += len(strongConnectors.FindAllString(lowered, -1))
	steps += countVerbSplits(lowered)

	distinct := 0
	for _, v := range actionVerbs {
		if containsWord(lowered, v) {
			distinct++
		}
	}
	if distinct > 1 {
		steps += distinct - 1
	}

	if sites := siteMentions(text); len(sites) >= 2 {
		steps += len(sites)
	}
	if steps > maxSubtasks {
		steps = maxSubtasks
	}
	return steps
}

// splitClauses cuts the text on ordering connectors. A bare "and" splits
// only when a verb follows it, so entity pairs like "Amazon and Best Buy"
// stay together.
func splitClauses(text string) []string {
	parts := strongConnectors.Split(text, -1)
	var clauses []string
	for _, part := range parts {
		for _, sub := range splitOnVerbAnd(part) {
			sub = strings.Trim(sub, " ,.")
			if sub != "" {
				clauses = append(clauses, sub)
			}
		}
	}
	if len(clauses) == 0 {
		clauses = []string{strings.TrimSpace(text)}
	}
	return clauses
}

func splitOnVerbAnd(text string) []string {
	lowered := strings.ToLower(text)
	var out []string
	start := 0
	idx := 0
	for {
		i := strings.Index(lowered[idx:], " and ")
		if i < 0 {
			break
		}
		pos := idx + i
		rest := strings.TrimSpace(lowered[pos+len(" and "):])
		if firstWordIsVerb(rest) {
			out = append(out, text[start:pos])
			start = pos + len(" and ")
		}
		idx = pos + 1
	}
	out = append(out, text[start:])
	return out
}

func countVerbSplits(lowered string) int {
	n := 0
	idx := 0
	for {
		i := strings.Index(lowered[idx:], " and ")
		if i < 0 {
			return n
		}
		pos := idx + i
		if firstWordIsVerb(strings.TrimSpace(lowered[pos+len(" and "):])) {
			n++
		}
		idx = pos + 1
	}
}

func firstWordIsVerb(rest string) bool {
	word := rest
	if sp := strings.IndexAny(rest, " ,."); sp >= 0 {
		word = rest[:sp]
	}
	for _, v := range actionVerbs {
		if word == v {
			return true
		}
	}
	return false
}

// inferVerification maps a clause's leading verb family to a success
// check. Clauses touching credentials or challenge flows are marked for
// human review instead of automated verification.
func inferVerification(clause string) Verification {
	lowered := strings.ToLower(clause)

	for _, term := range humanReviewTerms {
		if strings.Contains(lowered, term) {
			return Verification{
				Type:      VerifyHumanReview,
				Condition: "requires human confirmation: " + term,
			}
		}
	}

	switch {
	case anyWord(lowered, "extract", "collect", "capture", "return", "copy", "save"):
		return Verification{Type: VerifyDataExtracted, Condition: "extracted data is non-empty"}
	case anyWord(lowered, "open", "navigate", "visit", "go"):
		cond := "page URL reflects the destination"
		if u := urlTokenPattern.FindString(clause); u != "" {
			cond = "page URL matches " + NormalizeURL(u)
		}
		return Verification{Type: VerifyURLMatches, Condition: cond}
	case anyWord(lowered, "click", "select", "choose", "press"):
		return Verification{Type: VerifyElementPresent, Condition: "target element was present and actioned"}
	default:
		return Verification{Type: VerifyActionConfirmed, Condition: "clause acted on without error"}
	}
}

// PerceptionHintFor flags clauses whose targets are inherently visual.
func PerceptionHintFor(clause string) PerceptionHint {
	lowered := strings.ToLower(clause)
	for _, term := range visualTerms {
		if containsWord(lowered, term) {
			return HintVisualRequired
		}
	}
	return HintUnknown
}

// StartURLFor pulls a literal URL out of a clause when one is present.
func StartURLFor(clause string) string {
	if u := urlTokenPattern.FindString(clause); u != "" {
		return NormalizeURL(u)
	}
	return ""
}

// siteMentions extracts capitalized site names from "on X and Y" style
// phrasing. It returns nil unless at least two names are listed.
func siteMentions(text string) []string {
	_, sites := siteSplit(text)
	return sites
}

// siteSplit separates an intent into its base action and the listed site
// names, so per-site clauses do not re-embed the site list.
func siteSplit(text string) (string, []string) {
	loc := siteListPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, nil
	}
	listed := siteSepPattern.Split(text[loc[2]:loc[3]], -1)
	var sites []string
	for _, s := range listed {
		s = strings.TrimSpace(s)
		if s != "" {
			sites = append(sites, s)
		}
	}
	if len(sites) < 2 {
		return text, nil
	}
	base := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	return base, sites
}

func stripLeadingVerb(text string) string {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(trimmed)
	for _, v := range actionVerbs {
		if strings.HasPrefix(lowered, v+" ") {
			return strings.TrimSpace(trimmed[len(v):])
		}
	}
	return trimmed
}

func anyWord(lowered string, words ...string) bool {
	for _, w := range words {
		if containsWord(lowered, w) {
			return true
		}
	}
	return false
}

func newSubtask(intent string, v Verification, deps []string) *Subtask {
	return &Subtask{
		ID:           "st-" + uuid.New().String()[:8],
		Intent:       strings.TrimSpace(intent),
		StartURL:     StartURLFor(intent),
		Verification: v,
		Status:       SubtaskPending,
		Mode:         ExecSequential,
		DependsOn:    deps,
		Hint:         PerceptionHintFor(intent),
	}
}
