package navigator

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"wraith/internal/faults"
	"wraith/internal/session"
)

// ParseDecision turns raw model output into a validated decision. Fenced
// and mildly broken JSON is repaired before strict decoding; anything that
// still fails, or fails the decision invariants, is a validation fault
// carrying the raw text for correction retries.
func ParseDecision(raw string) (session.Decision, error) {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return session.Decision{}, faults.New(faults.KindValidation, "malformed navigator output: empty response")
	}

	var d session.Decision
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return session.Decision{}, faults.Newf(faults.KindValidation, "malformed navigator output: %v: %s", err, snippet(raw))
		}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return session.Decision{}, faults.Newf(faults.KindValidation, "malformed navigator output after repair: %v: %s", err, snippet(raw))
		}
	}

	if err := d.Validate(); err != nil {
		return session.Decision{}, err
	}
	return d, nil
}

// stripFences removes a markdown code fence and any prose around the first
// top-level JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced braces; hand the tail to the repairer.
	return s[start:]
}

func snippet(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
