// Package sessiontest provides a deterministic, scriptable session client
// for exercising the runtime without a browser. Behavior defaults to a
// plausible static page; every capability can be overridden with a
// function field, the way the runtime's hand-written mocks work elsewhere.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wraith/internal/session"
)

// ErrClosed is returned by every capability once the client is closed or
// crashed. Its text carries a crash signature on purpose so the fault
// classifier treats post-mortem calls the way it treats a dead renderer.
var ErrClosed = errors.New("session closed: target closed")

// Client is a scripted session.Client.
type Client struct {
	ID string

	// Optional overrides. A nil field falls back to the default behavior.
	NavigateFn      func(ctx context.Context, url string, timeout time.Duration) (session.NavigationOutcome, error)
	CaptureTreeFn   func(ctx context.Context, opts session.TreeOptions) (*session.StructuredTree, error)
	CaptureImageFn  func(ctx context.Context, opts session.ImageOptions) (*session.ViewportImage, error)
	ExecuteActionFn func(ctx context.Context, d session.Decision, settle time.Duration) (*session.ActionResult, error)
	SampleFn        func(ctx context.Context) (session.ResourceSample, error)
	CloseFn         func() error

	mu        sync.Mutex
	url       string
	closed    bool
	crashed   bool
	listeners map[int]func(string)
	nextSub   int

	// Call counters for assertions.
	Navigations  atomic.Int64
	TreeCaptures atomic.Int64
	Screenshots  atomic.Int64
	Actions      atomic.Int64
	Samples      atomic.Int64
	CloseCalls   atomic.Int64
}

// New returns a scripted client starting on about:blank.
func New(contextID string) *Client {
	return &Client{
		ID:        contextID,
		url:       "about:blank",
		listeners: map[int]func(string){},
	}
}

// ContextID implements session.Client.
func (c *Client) ContextID() string { return c.ID }

func (c *Client) dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.crashed
}

// SetURL overrides the current URL, for fixtures that start mid-flow.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

// Navigate implements session.Client.
func (c *Client) Navigate(ctx context.Context, url string, timeout time.Duration) (session.NavigationOutcome, error) {
	c.Navigations.Add(1)
	if c.dead() {
		return session.NavigationOutcome{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return session.NavigationOutcome{}, err
	}
	if c.NavigateFn != nil {
		out, err := c.NavigateFn(ctx, url, timeout)
		if err == nil {
			c.SetURL(out.FinalURL)
		}
		return out, err
	}
	c.SetURL(url)
	return session.NavigationOutcome{FinalURL: url, StatusCode: 200}, nil
}

// CurrentURL implements session.Client.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	if c.dead() {
		return "", ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url, nil
}

// CaptureStructuredTree implements session.Client.
func (c *Client) CaptureStructuredTree(ctx context.Context, opts session.TreeOptions) (*session.StructuredTree, error) {
	c.TreeCaptures.Add(1)
	if c.dead() {
		return nil, ErrClosed
	}
	if c.CaptureTreeFn != nil {
		return c.CaptureTreeFn(ctx, opts)
	}
	url, _ := c.CurrentURL(ctx)
	tree := DefaultTree(url)
	session.EncodeTree(tree, opts)
	return tree, nil
}

// CaptureViewportImage implements session.Client.
func (c *Client) CaptureViewportImage(ctx context.Context, opts session.ImageOptions) (*session.ViewportImage, error) {
	c.Screenshots.Add(1)
	if c.dead() {
		return nil, ErrClosed
	}
	if c.CaptureImageFn != nil {
		return c.CaptureImageFn(ctx, opts)
	}
	return &session.ViewportImage{Base64: "ZmFrZQ==", MIME: "image/jpeg", Width: 1280, Height: 800}, nil
}

// ExecuteAction implements session.Client.
func (c *Client) ExecuteAction(ctx context.Context, d session.Decision, settle time.Duration) (*session.ActionResult, error) {
	c.Actions.Add(1)
	if c.dead() {
		return nil, ErrClosed
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if c.ExecuteActionFn != nil {
		res, err := c.ExecuteActionFn(ctx, d, settle)
		if err == nil && res.FinalURL != "" {
			c.SetURL(res.FinalURL)
		}
		return res, err
	}
	url, _ := c.CurrentURL(ctx)
	res := &session.ActionResult{Status: session.StatusActed, FinalURL: url}
	switch d.Kind {
	case session.ActionClick:
		res.Mutations = session.MutationSummary{AddedNodes: 4}
		res.SignificantMutation = true
	case session.ActionType:
		res.InputValueChanged = true
		res.FocusChanged = true
	case session.ActionScroll:
		res.ScrollChanged = true
	case session.ActionExtract:
		res.Extracted = "scripted extraction"
	case session.ActionDone:
		res.Status = session.StatusDone
	case session.ActionFailed:
		res.Status = session.StatusFailed
	}
	return res, nil
}

// SampleResourceMetrics implements session.Client.
func (c *Client) SampleResourceMetrics(ctx context.Context) (session.ResourceSample, error) {
	c.Samples.Add(1)
	if c.dead() {
		return session.ResourceSample{}, ErrClosed
	}
	if c.SampleFn != nil {
		return c.SampleFn(ctx)
	}
	return session.ResourceSample{
		CPUTaskSeconds: 0.01 * float64(c.Samples.Load()),
		HeapUsedBytes:  16 << 20,
		NodeCount:      120,
		Timestamp:      time.Now(),
	}, nil
}

// OnCrash implements session.Client.
func (c *Client) OnCrash(fn func(reason string)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Crash simulates a renderer crash: listeners fire once and every later
// capability call fails with a crash signature.
func (c *Client) Crash(reason string) {
	c.mu.Lock()
	if c.crashed || c.closed {
		c.mu.Unlock()
		return
	}
	c.crashed = true
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listeners = map[int]func(string){}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
}

// Close implements session.Client.
func (c *Client) Close() error {
	c.CloseCalls.Add(1)
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	if c.CloseFn != nil {
		return c.CloseFn()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DefaultTree builds a small structured-sufficient page capture.
func DefaultTree(url string) *session.StructuredTree {
	return &session.StructuredTree{
		URL: url,
		Nodes: []session.Node{
			{Depth: 0, Role: "main", Name: "content"},
			{Depth: 1, Role: "heading", Name: "Results"},
		},
		Interactive: []session.InteractiveElement{
			{Index: 0, Role: "textbox", Name: "Search", Bounds: &session.Rect{X: 100, Y: 40, Width: 400, Height: 32}},
			{Index: 1, Role: "button", Name: "Submit", Bounds: &session.Rect{X: 520, Y: 40, Width: 90, Height: 32}},
			{Index: 2, Role: "link", Name: "First result", Href: url + "#first", Bounds: &session.Rect{X: 100, Y: 200, Width: 300, Height: 20}},
		},
		Scroll:          session.ScrollPosition{ViewportHeight: 800, PageHeight: 2400, RemainingScrollPx: 1600},
		LoadComplete:    true,
		VisibleTextRune: 900,
		CapturedAt:      time.Now(),
	}
}

// Script builds a factory producing scripted clients with sequential ids
// and records every client it hands out.
type Script struct {
	mu      sync.Mutex
	clients []*Client
	Mutate  func(*Client) // applied to each new client
}

// NewClient implements session.Factory.
func (s *Script) NewClient(ctx context.Context, contextID string) (session.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := New(contextID)
	if s.Mutate != nil {
		s.Mutate(c)
	}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c, nil
}

// Clients returns every client created so far.
func (s *Script) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, len(s.clients))
	copy(out, s.clients)
	return out
}

// ClientFor returns the most recent client for a context id.
func (s *Script) ClientFor(contextID string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.clients) - 1; i >= 0; i-- {
		if s.clients[i].ID == contextID {
			return s.clients[i], true
		}
	}
	return nil, false
}

var _ session.Client = (*Client)(nil)
var _ session.Factory = (*Script)(nil)

// String aids debugging in test failure output.
func (c *Client) String() string {
	return fmt.Sprintf("scripted-session(%s)", c.ID)
}
