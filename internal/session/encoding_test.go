package session

import (
	"strings"
	"testing"
	"time"
)

func sampleTree(interactive int) *StructuredTree {
	t := &StructuredTree{
		URL:             "https://example.com/list",
		LoadComplete:    true,
		VisibleTextRune: 1200,
		Scroll:          ScrollPosition{ViewportHeight: 800, PageHeight: 3000, RemainingScrollPx: 2200},
		CapturedAt:      time.Now(),
	}
	for i := 0; i < interactive; i++ {
		t.Interactive = append(t.Interactive, InteractiveElement{
			Index:  i,
			Role:   "link",
			Name:   strings.Repeat("item ", 4),
			Bounds: &Rect{X: 10, Y: 30 * i, Width: 200, Height: 24},
		})
	}
	for i := 0; i < 40; i++ {
		t.Nodes = append(t.Nodes, Node{Depth: i % 3, Role: "text", Name: "decorative filler paragraph"})
	}
	return t
}

func TestEncodeCompactKeepsInteractiveFirst(t *testing.T) {
	tree := sampleTree(20)
	EncodeTree(tree, TreeOptions{Compact: true, CharBudget: 1200})

	if !tree.Truncated {
		t.Fatal("expected truncation under a tight budget")
	}
	if tree.CharCount > 1200 {
		t.Fatalf("encoded %d chars, budget 1200", tree.CharCount)
	}
	if !strings.HasPrefix(tree.Encoded, "page https://example.com/list") {
		t.Errorf("missing page header: %q", tree.Encoded[:40])
	}
	// Interactive lines must appear before any decorative node survives.
	if strings.Contains(tree.Encoded, "decorative") {
		idxDecorative := strings.Index(tree.Encoded, "decorative")
		idxInteractive := strings.LastIndex(tree.Encoded, "[")
		if idxInteractive > idxDecorative {
			t.Error("decorative node encoded before an interactive element")
		}
	}
	if !strings.Contains(tree.Encoded, `[0] link`) {
		t.Error("first interactive element missing from compact encoding")
	}
}

func TestEncodeJSONDropsTrailingInteractive(t *testing.T) {
	tree := sampleTree(50)
	EncodeTree(tree, TreeOptions{CharBudget: 2000})

	if !tree.Truncated {
		t.Fatal("expected truncation")
	}
	if tree.CharCount > 2000 {
		t.Fatalf("encoded %d chars, budget 2000", tree.CharCount)
	}
	if !strings.Contains(tree.Encoded, `"index":0`) {
		t.Error("first interactive element dropped before later ones")
	}
}

func TestEncodeFitsWithoutTruncation(t *testing.T) {
	tree := sampleTree(2)
	tree.Nodes = nil
	EncodeTree(tree, TreeOptions{CharBudget: 50000})
	if tree.Truncated {
		t.Error("unexpected truncation under a huge budget")
	}
	if tree.CharCount != len(tree.Encoded) {
		t.Error("char count out of sync with encoded text")
	}
}

func TestCompactEncodingIsSmaller(t *testing.T) {
	a := sampleTree(25)
	b := sampleTree(25)
	EncodeTree(a, TreeOptions{CharBudget: 100000})
	EncodeTree(b, TreeOptions{CharBudget: 100000, Compact: true})
	if b.CharCount >= a.CharCount {
		t.Errorf("compact (%d chars) not smaller than JSON (%d chars)", b.CharCount, a.CharCount)
	}
}

func TestNormalizeLabel(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  Add to Cart ", "add to cart"},
		{"ADD\tTO\nCART", "add to cart"},
		{"Submit!", "submit"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeLabel(tt.in); got != tt.want {
			t.Errorf("NormalizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindUniqueByLabel(t *testing.T) {
	index := []InteractiveElement{
		{Index: 0, Role: "button", Name: "Add to cart", Bounds: &Rect{X: 1, Y: 2, Width: 10, Height: 10}},
		{Index: 1, Role: "button", Name: "Checkout", Bounds: &Rect{X: 1, Y: 40, Width: 10, Height: 10}},
		{Index: 2, Role: "link", Name: "checkout", Bounds: &Rect{X: 1, Y: 80, Width: 10, Height: 10}},
		{Index: 3, Role: "button", Name: "No bounds"},
	}

	if el, ok := FindUniqueByLabel(index, " ADD TO CART "); !ok || el.Index != 0 {
		t.Errorf("unique match failed: %v %v", el, ok)
	}
	if _, ok := FindUniqueByLabel(index, "Checkout"); ok {
		t.Error("ambiguous label must not match")
	}
	if _, ok := FindUniqueByLabel(index, "No bounds"); ok {
		t.Error("match without bounds must be rejected")
	}
	if _, ok := FindUniqueByLabel(index, "missing"); ok {
		t.Error("absent label must not match")
	}
	if _, ok := FindUniqueByLabel(index, "   "); ok {
		t.Error("empty needle must not match")
	}
}

func TestStructuredSufficient(t *testing.T) {
	tree := sampleTree(5)
	if !tree.StructuredSufficient() {
		t.Error("healthy tree should be structured-sufficient")
	}

	sparse := sampleTree(2)
	if sparse.StructuredSufficient() {
		t.Error("2 interactive elements should be insufficient")
	}

	loading := sampleTree(5)
	loading.LoadComplete = false
	if loading.StructuredSufficient() {
		t.Error("incomplete load should be insufficient")
	}

	deficient := sampleTree(5)
	deficient.Deficiency.CanvasHeavy = true
	if deficient.StructuredSufficient() {
		t.Error("canvas-heavy page should be insufficient")
	}
}
