package session

import (
	"time"

	"wraith/internal/faults"
)

// Rect is a bounding box in viewport pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Center returns the box midpoint.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Node is one element of the structured tree.
type Node struct {
	Depth int    `json:"depth"`
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// InteractiveElement is one entry of the interactive index.
type InteractiveElement struct {
	Index  int    `json:"index"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
	Href   string `json:"href,omitempty"`
	Bounds *Rect  `json:"bounds,omitempty"`
}

// DeficiencySignals flag pages whose semantic structure under-represents
// what a sighted user would see. Any raised flag marks the page a candidate
// for visual escalation.
type DeficiencySignals struct {
	SparseInteractive bool `json:"sparseInteractive"` // fewer controls than the sufficiency threshold
	LowTextDensity    bool `json:"lowTextDensity"`    // visible text far below viewport area
	CanvasHeavy       bool `json:"canvasHeavy"`       // canvas/video/webgl dominates the viewport
	IframeHeavy       bool `json:"iframeHeavy"`       // content hidden behind cross-origin frames
}

// Any reports whether any deficiency flag is raised.
func (d DeficiencySignals) Any() bool {
	return d.SparseInteractive || d.LowTextDensity || d.CanvasHeavy || d.IframeHeavy
}

// ScrollPosition snapshots where the viewport sits in the page.
type ScrollPosition struct {
	X                 int `json:"x"`
	Y                 int `json:"y"`
	ViewportHeight    int `json:"viewportHeight"`
	PageHeight        int `json:"pageHeight"`
	RemainingScrollPx int `json:"remainingScrollPx"`
}

// AtBottom reports whether scrolling further down is pointless. The small
// slack absorbs sub-pixel layout rounding.
func (s ScrollPosition) AtBottom() bool {
	return s.RemainingScrollPx <= 2
}

// StructuredTree is one capture of the active page's semantic structure.
type StructuredTree struct {
	URL             string               `json:"url"`
	Nodes           []Node               `json:"nodes"`
	Interactive     []InteractiveElement `json:"interactive"`
	Encoded         string               `json:"encoded"`
	CharCount       int                  `json:"charCount"`
	Truncated       bool                 `json:"truncated"`
	Deficiency      DeficiencySignals    `json:"deficiency"`
	Scroll          ScrollPosition       `json:"scroll"`
	LoadComplete    bool                 `json:"loadComplete"`
	VisibleTextRune int                  `json:"visibleTextRunes"`
	CapturedAt      time.Time            `json:"capturedAt"`
}

// sufficiencyThreshold is the minimum interactive index size for a page to
// count as structured-sufficient.
const sufficiencyThreshold = 3

// StructuredSufficient reports whether the capture alone is enough to act
// on: enough controls, a settled load, and real visible content.
func (t *StructuredTree) StructuredSufficient() bool {
	return len(t.Interactive) >= sufficiencyThreshold && t.LoadComplete && t.VisibleTextRune > 0 && !t.Deficiency.Any()
}

// ViewportImage is a captured screenshot for the visual tier.
type ViewportImage struct {
	Base64 string `json:"base64"`
	MIME   string `json:"mime"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Observation is the per-step snapshot handed to the navigator.
type Observation struct {
	URL             string         `json:"url"`
	Tree            *StructuredTree `json:"tree"`
	Image           *ViewportImage  `json:"image,omitempty"`
	History         []string        `json:"history,omitempty"`
	PreviousActions []Decision      `json:"previousActions,omitempty"`
	ErrorContext    *faults.Detail  `json:"errorContext,omitempty"`
}
