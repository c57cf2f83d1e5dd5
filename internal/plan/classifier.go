package plan

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Keyword families for heuristic classification. Matching is word-boundary
// based so "order" does not fire on "border".
var (
	researchSignals = []string{
		"compare", "versus", "vs", "best", "cheapest", "reviews", "review",
		"research", "find out", "look up", "which", "top rated", "difference between",
	}
	transactSignals = []string{
		"buy", "purchase", "order", "book", "checkout", "check out",
		"sign up", "register", "subscribe", "add to cart", "fill out",
		"fill in", "submit", "pay", "reserve", "apply for", "log in", "login",
	}
	generateSignals = []string{
		"chart", "graph", "plot", "visualize", "visualization", "diagram",
		"dashboard", "infographic", "draw", "render a",
	}
)

var (
	schemeURLPattern = regexp.MustCompile(`^(?i)https?://\S+$`)
	bareHostPattern  = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+(/\S*)?$`)
)

// Classify partitions free text into an intent kind. A non-AUTO mode wins
// outright; otherwise URL-shaped input maps to NAVIGATE and keyword
// families decide the rest, defaulting to RESEARCH at low confidence.
func Classify(text string, mode Mode) Classification {
	if c, ok := overrideFor(mode); ok {
		return c
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{
			Intent:     IntentResearch,
			Source:     SourceDefault,
			Confidence: 0.6,
			Reason:     "empty intent text",
		}
	}

	if IsURLLike(trimmed) {
		conf := 0.95
		if schemeURLPattern.MatchString(trimmed) {
			conf = 0.98
		}
		return Classification{
			Intent:     IntentNavigate,
			Source:     SourceHeuristic,
			Confidence: conf,
			Reason:     "input is a bare URL or hostname",
		}
	}

	// Site names are proper nouns, not verbs: "Best Buy" must not fire the
	// transact family. Strip a listed site group before signal matching.
	sites := siteMentions(trimmed)
	lowered := strings.ToLower(trimmed)
	signalText := lowered
	for _, site := range sites {
		signalText = strings.ReplaceAll(signalText, strings.ToLower(site), " ")
	}

	if hits := matchSignals(signalText, generateSignals); len(hits) > 0 {
		return heuristic(IntentGenerate, hits)
	}
	if hits := matchSignals(signalText, transactSignals); len(hits) > 0 {
		return heuristic(IntentTransact, hits)
	}
	hits := matchSignals(signalText, researchSignals)
	if len(sites) >= 2 {
		hits = append(hits, "multiple sites")
	}
	if len(hits) > 0 {
		return heuristic(IntentResearch, hits)
	}

	return Classification{
		Intent:     IntentResearch,
		Source:     SourceDefault,
		Confidence: 0.6,
		Reason:     "no strong signal, defaulting to research",
	}
}

func overrideFor(mode Mode) (Classification, bool) {
	var intent IntentKind
	switch mode {
	case ModeBrowse:
		intent = IntentNavigate
	case ModeDo:
		intent = IntentTransact
	case ModeMake:
		intent = IntentGenerate
	case ModeResearch:
		intent = IntentResearch
	default:
		return Classification{}, false
	}
	return Classification{
		Intent:     intent,
		Source:     SourceModeOverride,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("mode %s requested", mode),
	}, true
}

func heuristic(intent IntentKind, hits []string) Classification {
	conf := 0.85 + 0.03*float64(len(hits)-1)
	if conf > 0.94 {
		conf = 0.94
	}
	return Classification{
		Intent:     intent,
		Source:     SourceHeuristic,
		Confidence: conf,
		Reason:     fmt.Sprintf("matched %s", strings.Join(hits, ", ")),
	}
}

func matchSignals(lowered string, signals []string) []string {
	var hits []string
	for _, sig := range signals {
		if containsWord(lowered, sig) {
			hits = append(hits, sig)
		}
	}
	return hits
}

func containsWord(lowered, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(lowered[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordChar(lowered[start-1])
		afterOK := end == len(lowered) || !isWordChar(lowered[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// IsURLLike reports whether the whole input reads as a URL or bare host.
func IsURLLike(text string) bool {
	if strings.ContainsAny(text, " \t\n") {
		return false
	}
	return schemeURLPattern.MatchString(text) || bareHostPattern.MatchString(text)
}

// NormalizeURL canonicalizes URL-shaped input: a missing scheme becomes
// https and an empty path becomes "/". Input that does not parse is
// returned unchanged.
func NormalizeURL(text string) string {
	raw := strings.TrimSpace(text)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(text)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
