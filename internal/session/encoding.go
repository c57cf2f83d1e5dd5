package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultCharBudget bounds encoded tree size when the caller passes none.
const DefaultCharBudget = 12000

// EncodeTree renders the capture for navigator prompts, honoring the char
// budget with interactive-first truncation: the interactive index survives
// whole-elements-first, decorative nodes go first. The tree's Encoded,
// CharCount and Truncated fields are filled in place.
func EncodeTree(t *StructuredTree, opts TreeOptions) {
	budget := opts.CharBudget
	if budget <= 0 {
		budget = DefaultCharBudget
	}

	var encoded string
	var truncated bool
	if opts.Compact {
		encoded, truncated = encodeCompact(t, budget)
	} else {
		encoded, truncated = encodeJSON(t, budget)
	}
	t.Encoded = encoded
	t.CharCount = len(encoded)
	t.Truncated = truncated
}

// encodeCompact emits a page header plus one line per interactive element:
//
//	[3] button "Add to cart" @412,660,120x36
//
// followed by whatever decorative structure still fits.
func encodeCompact(t *StructuredTree, budget int) (string, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "page %s (%d interactive, scroll %d/%d, load=%v)\n",
		t.URL, len(t.Interactive), t.Scroll.Y, t.Scroll.PageHeight, t.LoadComplete)

	truncated := false
	for _, el := range t.Interactive {
		line := compactLine(el)
		if b.Len()+len(line)+1 > budget {
			truncated = true
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	for _, n := range t.Nodes {
		if n.Role == "" && n.Name == "" {
			continue
		}
		line := fmt.Sprintf("%s%s %q", strings.Repeat("  ", n.Depth), n.Role, n.Name)
		if b.Len()+len(line)+1 > budget {
			truncated = true
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), truncated
}

func compactLine(el InteractiveElement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s %q", el.Index, el.Role, el.Name)
	if el.Value != "" {
		fmt.Fprintf(&b, " value=%q", el.Value)
	}
	if el.Bounds != nil {
		fmt.Fprintf(&b, " @%d,%d,%dx%d", el.Bounds.X, el.Bounds.Y, el.Bounds.Width, el.Bounds.Height)
	}
	return b.String()
}

// encodeJSON emits the interactive index as a JSON array, dropping trailing
// elements until it fits, then appends compacted decorative nodes if room
// remains.
func encodeJSON(t *StructuredTree, budget int) (string, bool) {
	interactive := t.Interactive
	truncated := false
	for {
		data, err := json.Marshal(interactive)
		if err != nil {
			return "", true
		}
		if len(data) <= budget || len(interactive) == 0 {
			rest := encodeNodesWithin(t.Nodes, budget-len(data)-1)
			if rest != "" {
				return string(data) + "\n" + rest, truncated || len(rest) < roughNodesLen(t.Nodes)
			}
			return string(data), truncated || len(t.Nodes) > 0 && budget-len(data) <= 1
		}
		interactive = interactive[:len(interactive)-1]
		truncated = true
	}
}

func encodeNodesWithin(nodes []Node, budget int) string {
	if budget <= 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range nodes {
		if n.Role == "" && n.Name == "" {
			continue
		}
		line := fmt.Sprintf("%s %q", n.Role, n.Name)
		if b.Len()+len(line)+1 > budget {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func roughNodesLen(nodes []Node) int {
	n := 0
	for _, node := range nodes {
		n += len(node.Role) + len(node.Name) + 4
	}
	return n
}

// NormalizeLabel canonicalizes an accessible name for exact-match lookup:
// lower case, collapsed whitespace, trimmed punctuation.
func NormalizeLabel(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	joined := strings.Join(fields, " ")
	return strings.Trim(joined, " .,:;!?\"'")
}

// FindUniqueByLabel returns the single interactive element whose normalized
// label equals the normalized needle, or false when there is no match or
// the match is ambiguous.
func FindUniqueByLabel(index []InteractiveElement, needle string) (InteractiveElement, bool) {
	want := NormalizeLabel(needle)
	if want == "" {
		return InteractiveElement{}, false
	}
	var found InteractiveElement
	matches := 0
	for _, el := range index {
		if NormalizeLabel(el.Name) == want {
			found = el
			matches++
		}
	}
	if matches != 1 || found.Bounds == nil {
		return InteractiveElement{}, false
	}
	return found, true
}
