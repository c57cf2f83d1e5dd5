package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wraith/internal/faults"
	"wraith/internal/session"
)

// settlePollInterval is how often the armed mutation counters are re-read
// while waiting for an action to settle.
const settlePollInterval = 50 * time.Millisecond

// defaultScreenshotQuality keeps viewport JPEGs small enough for visual
// tier prompts.
const defaultScreenshotQuality = 70

// client drives one incognito page over CDP. Once the renderer dies or
// Close runs, every call fails with a crash-signature error so the
// scheduler can tell a dead session from a logic failure.
type client struct {
	contextID string
	incognito *rod.Browser
	page      *rod.Page
	opts      Options
	logger    *zap.Logger

	prefetchGroup singleflight.Group

	mu         sync.Mutex
	closed     bool
	crashed    bool
	crashWhy   string
	listeners  map[int]func(reason string)
	nextListen int
	stopEvents context.CancelFunc
}

func newClient(contextID string, incognito *rod.Browser, page *rod.Page, opts Options, logger *zap.Logger) *client {
	evtCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		contextID:  contextID,
		incognito:  incognito,
		page:       page,
		opts:       opts,
		logger:     logger,
		listeners:  map[int]func(string){},
		stopEvents: cancel,
	}
	go c.watchCrash(evtCtx)
	return c
}

// watchCrash turns the InspectorTargetCrashed CDP event into the crashed
// state and fans it out to OnCrash listeners.
func (c *client) watchCrash(ctx context.Context) {
	c.page.Context(ctx).EachEvent(func(ev *proto.InspectorTargetCrashed) bool {
		c.markCrashed("renderer crashed")
		return true
	})()
}

func (c *client) markCrashed(reason string) {
	c.mu.Lock()
	if c.crashed || c.closed {
		c.mu.Unlock()
		return
	}
	c.crashed = true
	c.crashWhy = reason
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.logger.Warn("session crashed", zap.String("reason", reason))
	for _, fn := range fns {
		fn(reason)
	}
}

// guard rejects calls on a dead session. The messages carry crash
// signatures on purpose: faults.Classify marks them retryable and the
// scheduler treats them as a recoverable dead renderer.
func (c *client) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return faults.New(faults.KindRuntime, "session closed: "+c.contextID)
	}
	if c.crashed {
		return faults.Newf(faults.KindRuntime, "target crashed: %s", c.crashWhy)
	}
	return nil
}

// fail classifies a rod error, flipping the session into the crashed
// state when the error text carries a crash signature.
func (c *client) fail(err error) *faults.Detail {
	d := faults.Classify(err)
	if faults.IsCrashSignal(err) {
		c.markCrashed(d.Message)
	}
	return d
}

// eval runs a JS function on the page and unmarshals its by-value result
// into out. A nil out discards the result.
func (c *client) eval(ctx context.Context, js string, out interface{}, args ...interface{}) error {
	res, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if out == nil || res.Value.Nil() {
		return nil
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ContextID implements session.Client.
func (c *client) ContextID() string { return c.contextID }

// Navigate implements session.Client.
func (c *client) Navigate(ctx context.Context, url string, timeout time.Duration) (session.NavigationOutcome, error) {
	if err := c.guard(); err != nil {
		return session.NavigationOutcome{}, err
	}
	if timeout <= 0 {
		timeout = c.opts.navigationTimeout()
	}

	p := c.page.Context(ctx).Timeout(timeout)
	if err := p.Navigate(url); err != nil {
		d := c.fail(err).WithURL(url)
		return session.NavigationOutcome{ErrorKind: d.Kind}, d
	}
	if err := p.WaitLoad(); err != nil {
		d := c.fail(err).WithURL(url)
		return session.NavigationOutcome{ErrorKind: d.Kind}, d
	}

	final, err := c.CurrentURL(ctx)
	if err != nil {
		return session.NavigationOutcome{}, err
	}
	return session.NavigationOutcome{FinalURL: final}, nil
}

// CurrentURL implements session.Client.
func (c *client) CurrentURL(ctx context.Context) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	info, err := c.page.Context(ctx).Info()
	if err != nil {
		return "", c.fail(err)
	}
	return info.URL, nil
}

// treeWire is the raw capture shape produced by captureTreeJS.
type treeWire struct {
	URL         string `json:"url"`
	Interactive []struct {
		Role  string `json:"role"`
		Name  string `json:"name"`
		Value string `json:"value"`
		Href  string `json:"href"`
		X     int    `json:"x"`
		Y     int    `json:"y"`
		W     int    `json:"w"`
		H     int    `json:"h"`
	} `json:"interactive"`
	Nodes []struct {
		Depth int    `json:"depth"`
		Role  string `json:"role"`
		Name  string `json:"name"`
	} `json:"nodes"`
	VisibleText    int  `json:"visibleText"`
	CanvasArea     int  `json:"canvasArea"`
	IframeArea     int  `json:"iframeArea"`
	ViewportArea   int  `json:"viewportArea"`
	LoadComplete   bool `json:"loadComplete"`
	ScrollX        int  `json:"scrollX"`
	ScrollY        int  `json:"scrollY"`
	ViewportHeight int  `json:"viewportHeight"`
	PageHeight     int  `json:"pageHeight"`
}

// Deficiency thresholds: fractions of the viewport that flip the page
// into visual-escalation territory, and the minimum visible text for a
// viewport to count as readable.
const (
	canvasHeavyFraction = 0.4
	iframeHeavyFraction = 0.4
	minTextRunesPerPage = 40
)

// CaptureStructuredTree implements session.Client.
func (c *client) CaptureStructuredTree(ctx context.Context, opts session.TreeOptions) (*session.StructuredTree, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	var wire treeWire
	if err := c.eval(ctx, captureTreeJS, &wire); err != nil {
		return nil, c.fail(err)
	}

	tree := &session.StructuredTree{
		URL:             wire.URL,
		LoadComplete:    wire.LoadComplete,
		VisibleTextRune: wire.VisibleText,
		CapturedAt:      time.Now(),
		Scroll: session.ScrollPosition{
			X:                 wire.ScrollX,
			Y:                 wire.ScrollY,
			ViewportHeight:    wire.ViewportHeight,
			PageHeight:        wire.PageHeight,
			RemainingScrollPx: max(0, wire.PageHeight-wire.ScrollY-wire.ViewportHeight),
		},
	}
	for i, el := range wire.Interactive {
		tree.Interactive = append(tree.Interactive, session.InteractiveElement{
			Index: i,
			Role:  el.Role,
			Name:  el.Name,
			Value: el.Value,
			Href:  el.Href,
			Bounds: &session.Rect{
				X: el.X, Y: el.Y, Width: el.W, Height: el.H,
			},
		})
	}
	for _, n := range wire.Nodes {
		tree.Nodes = append(tree.Nodes, session.Node{Depth: n.Depth, Role: n.Role, Name: n.Name})
	}

	viewport := float64(wire.ViewportArea)
	if viewport > 0 {
		tree.Deficiency = session.DeficiencySignals{
			SparseInteractive: len(tree.Interactive) < 3,
			LowTextDensity:    wire.VisibleText < minTextRunesPerPage,
			CanvasHeavy:       float64(wire.CanvasArea) >= canvasHeavyFraction*viewport,
			IframeHeavy:       float64(wire.IframeArea) >= iframeHeavyFraction*viewport,
		}
	}

	session.EncodeTree(tree, opts)
	return tree, nil
}

// CaptureViewportImage implements session.Client.
func (c *client) CaptureViewportImage(ctx context.Context, opts session.ImageOptions) (*session.ViewportImage, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = defaultScreenshotQuality
	}
	data, err := c.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	if err != nil {
		return nil, c.fail(err)
	}

	return &session.ViewportImage{
		Base64: base64.StdEncoding.EncodeToString(data),
		MIME:   "image/jpeg",
		Width:  c.opts.viewportWidth(),
		Height: c.opts.viewportHeight(),
	}, nil
}

// settleWire is the counter snapshot read back after an action.
type settleWire struct {
	Added        int    `json:"added"`
	Removed      int    `json:"removed"`
	Attrs        int    `json:"attrs"`
	RoleMutation bool   `json:"roleMutation"`
	FocusChanged bool   `json:"focusChanged"`
	InputChanged bool   `json:"inputChanged"`
	ArmedURL     string `json:"armedUrl"`
	URL          string `json:"url"`
	ArmedScrollY int    `json:"armedScrollY"`
	ScrollY      int    `json:"scrollY"`
}

// ExecuteAction implements session.Client.
func (c *client) ExecuteAction(ctx context.Context, d session.Decision, settleTimeout time.Duration) (*session.ActionResult, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	// DONE and FAILED are loop verdicts, not page inputs.
	if d.Kind == session.ActionDone || d.Kind == session.ActionFailed {
		url, _ := c.CurrentURL(ctx)
		status := session.StatusDone
		if d.Kind == session.ActionFailed {
			status = session.StatusFailed
		}
		return &session.ActionResult{Status: status, FinalURL: url, Message: d.Reasoning}, nil
	}

	if err := c.eval(ctx, installSettleObserverJS, nil); err != nil {
		c.logger.Debug("settle observer not armed", zap.Error(err))
	}

	result := &session.ActionResult{Status: session.StatusActed}
	if err := c.dispatch(ctx, d, result); err != nil {
		return nil, c.fail(err)
	}

	c.observeSettle(ctx, result, settleTimeout)
	if result.FinalURL == "" {
		if url, err := c.CurrentURL(ctx); err == nil {
			result.FinalURL = url
		}
	}
	return result, nil
}

// dispatch sends the decision's raw input to the page.
func (c *client) dispatch(ctx context.Context, d session.Decision, result *session.ActionResult) error {
	p := c.page.Context(ctx)
	switch d.Kind {
	case session.ActionClick:
		target := proto.Point{X: float64(d.Target.X), Y: float64(d.Target.Y)}
		if err := p.Mouse.MoveTo(target); err != nil {
			return err
		}
		return p.Mouse.Click(proto.InputMouseButtonLeft, 1)

	case session.ActionType:
		return p.InsertText(d.Text)

	case session.ActionPressKey:
		var key input.Key
		switch d.Key {
		case session.KeyEnter:
			key = input.Enter
		case session.KeyTab:
			key = input.Tab
		case session.KeyEscape:
			key = input.Escape
		}
		return p.Keyboard.Press(key)

	case session.ActionScroll:
		px := d.ScrollByPx
		if px == 0 {
			px = c.opts.viewportHeight()
		}
		return p.Mouse.Scroll(0, float64(px), 1)

	case session.ActionWait:
		return nil

	case session.ActionExtract:
		var text string
		if err := c.eval(ctx, extractTextJS, &text); err != nil {
			return err
		}
		result.Extracted = text
		return nil
	}
	return fmt.Errorf("undispatchable action %s", d.Kind)
}

// observeSettle polls the armed counters until the deadline, a navigation,
// or a significant mutation. An eval failure after the page URL moved is a
// navigation: the click tore down the JS world that held the counters.
func (c *client) observeSettle(ctx context.Context, result *session.ActionResult, settleTimeout time.Duration) {
	if settleTimeout <= 0 {
		settleTimeout = 2 * time.Second
	}
	deadline := time.Now().Add(settleTimeout)

	for {
		var s settleWire
		err := c.eval(ctx, readSettleJS, &s)
		if err != nil {
			if url, uerr := c.CurrentURL(ctx); uerr == nil && url != "" {
				result.NavigationObserved = true
				result.FinalURL = url
			}
			return
		}

		result.FinalURL = s.URL
		result.Mutations = session.MutationSummary{
			AddedNodes:              s.Added,
			RemovedNodes:            s.Removed,
			AttributeChanges:        s.Attrs,
			InteractiveRoleMutation: s.RoleMutation,
		}
		result.SignificantMutation = result.Mutations.Significant()
		result.FocusChanged = s.FocusChanged
		result.InputValueChanged = s.InputChanged
		result.ScrollChanged = s.ScrollY != s.ArmedScrollY
		if s.ArmedURL != "" && s.URL != s.ArmedURL {
			result.NavigationObserved = true
		}

		if result.NavigationObserved || result.SignificantMutation {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(settlePollInterval):
		}
	}
}

// SampleResourceMetrics implements session.Client.
func (c *client) SampleResourceMetrics(ctx context.Context) (session.ResourceSample, error) {
	if err := c.guard(); err != nil {
		return session.ResourceSample{}, err
	}

	res, err := proto.PerformanceGetMetrics{}.Call(c.page.Context(ctx))
	if err != nil {
		return session.ResourceSample{}, c.fail(err)
	}

	sample := session.ResourceSample{Timestamp: time.Now()}
	for _, m := range res.Metrics {
		switch m.Name {
		case "TaskDuration":
			sample.CPUTaskSeconds = m.Value
		case "ScriptDuration":
			sample.ScriptSeconds = m.Value
		case "JSHeapUsedSize":
			sample.HeapUsedBytes = uint64(m.Value)
		case "Nodes":
			sample.NodeCount = int(m.Value)
		}
	}
	return sample, nil
}

// OnCrash implements session.Client.
func (c *client) OnCrash(fn func(reason string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.crashed {
		reason := c.crashWhy
		go fn(reason)
		return func() {}
	}

	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Prefetch implements session.Prefetcher: a fire-and-forget resource hint
// for the likely next navigation, deduplicated per URL so repeated hints
// from consecutive steps inject one link.
func (c *client) Prefetch(ctx context.Context, url string) {
	if url == "" || c.guard() != nil || ctx.Err() != nil {
		return
	}
	go func() {
		_, _, _ = c.prefetchGroup.Do(url, func() (interface{}, error) {
			ectx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.eval(ectx, prefetchJS, nil, url); err != nil {
				c.logger.Debug("prefetch hint skipped", zap.String("url", url), zap.Error(err))
			}
			return nil, nil
		})
	}()
}

// Close implements session.Client: clears the partition's storage, closes
// the page, and disposes the incognito context. Best effort throughout;
// the first error wins but teardown continues.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.listeners = map[int]func(string){}
	stop := c.stopEvents
	c.mu.Unlock()

	if stop != nil {
		stop()
	}

	var first error
	if err := (proto.StorageClearDataForOrigin{
		Origin:       "*",
		StorageTypes: "all",
	}).Call(c.page); err != nil {
		first = err
	}
	if err := c.page.Close(); err != nil && first == nil {
		first = err
	}
	if c.incognito.BrowserContextID != "" {
		if err := (proto.TargetDisposeBrowserContext{
			BrowserContextID: c.incognito.BrowserContextID,
		}).Call(c.incognito); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		c.logger.Debug("session teardown incomplete", zap.Error(first))
	}
	return first
}

var (
	_ session.Client     = (*client)(nil)
	_ session.Prefetcher = (*client)(nil)
)
