// Package session defines the capability boundary between the runtime and
// whatever drives an isolated browser session: the Client interface, the
// observation and decision types that cross it, and the tree encoders that
// turn captured page structure into navigator input.
package session

import (
	"context"
	"time"

	"wraith/internal/faults"
)

// NavigationOutcome reports where a navigation landed.
type NavigationOutcome struct {
	FinalURL   string      `json:"finalUrl"`
	StatusCode int         `json:"statusCode,omitempty"`
	ErrorKind  faults.Kind `json:"errorKind,omitempty"`
}

// ResourceSample is one reading of a session's resource counters.
type ResourceSample struct {
	CPUTaskSeconds float64   `json:"cpuTaskSeconds"`
	ScriptSeconds  float64   `json:"scriptSeconds"`
	HeapUsedBytes  uint64    `json:"heapUsedBytes"`
	NodeCount      int       `json:"nodeCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// TreeOptions tunes structured tree capture.
type TreeOptions struct {
	CharBudget int  // max encoded chars, 0 for the client default
	Compact    bool // one-line-per-element encoding instead of JSON
}

// ImageOptions tunes viewport capture.
type ImageOptions struct {
	Quality int // JPEG quality, 0 for the client default
}

// Client drives one isolated browser session. Implementations: the rod
// client in internal/browser, and the scripted client in sessiontest.
// All blocking methods honor ctx cancellation; once the underlying target
// dies every call fails with a crash-signature error.
type Client interface {
	// ContextID identifies the session's isolation partition.
	ContextID() string

	// Navigate drives the session to url and waits for the load to settle,
	// bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) (NavigationOutcome, error)

	// CurrentURL reports the session's active URL.
	CurrentURL(ctx context.Context) (string, error)

	// CaptureStructuredTree returns a pruned, normalized view of the active
	// page. Truncation under the char budget keeps interactive nodes in
	// preference to decorative ones.
	CaptureStructuredTree(ctx context.Context, opts TreeOptions) (*StructuredTree, error)

	// CaptureViewportImage screenshots the visible viewport.
	CaptureViewportImage(ctx context.Context, opts ImageOptions) (*ViewportImage, error)

	// ExecuteAction dispatches the low-level input for the decision, then
	// waits at most settleTimeout for a navigation or a significant DOM
	// mutation before reporting what changed.
	ExecuteAction(ctx context.Context, d Decision, settleTimeout time.Duration) (*ActionResult, error)

	// SampleResourceMetrics reads the session's resource counters.
	SampleResourceMetrics(ctx context.Context) (ResourceSample, error)

	// OnCrash registers a listener fired once if the renderer dies. The
	// returned func unregisters it.
	OnCrash(fn func(reason string)) (unsubscribe func())

	// Close tears the session down and clears its storage partition.
	Close() error
}

// Prefetcher is the optional capability to warm a likely next navigation.
// Prefetch must never block action execution; failures are swallowed.
type Prefetcher interface {
	Prefetch(ctx context.Context, url string)
}

// Factory creates session clients for pool slots. contextID is the slot's
// stable identity; the partition behind it must be isolated from every
// other context's storage and transport state.
type Factory interface {
	NewClient(ctx context.Context, contextID string) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, contextID string) (Client, error)

// NewClient implements Factory.
func (f FactoryFunc) NewClient(ctx context.Context, contextID string) (Client, error) {
	return f(ctx, contextID)
}
