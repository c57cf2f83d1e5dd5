// Package browser is the real session.Client on Chrome DevTools Protocol
// via rod: one shared browser process, one incognito browser context per
// pool slot.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"wraith/internal/config"
	"wraith/internal/session"
)

// Options configures the shared browser process and the per-session
// posture applied to every context the driver creates.
type Options struct {
	DebuggerURL       string
	Bin               string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration

	InterceptionEnabled bool
	InterceptionMode    string // agent_fast, visual_render, disabled
	CacheMode           string // respect_headers, force_refresh, override_ttl
	CacheTTL            time.Duration
}

// OptionsFromConfig maps the runtime configuration onto driver options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DebuggerURL:         cfg.Browser.DebuggerURL,
		Bin:                 cfg.Browser.Bin,
		Headless:            cfg.Browser.Headless,
		ViewportWidth:       cfg.Browser.ViewportWidth,
		ViewportHeight:      cfg.Browser.ViewportHeight,
		NavigationTimeout:   cfg.NavigationTimeout(),
		InterceptionEnabled: cfg.Network.RequestInterceptionEnabled,
		InterceptionMode:    cfg.Network.RequestInterceptionInitialMode,
		CacheMode:           cfg.Network.HTTPCacheMode,
		CacheTTL:            time.Duration(cfg.Network.HTTPCacheTTLMS) * time.Millisecond,
	}
}

func (o Options) viewportWidth() int {
	if o.ViewportWidth <= 0 {
		return 1280
	}
	return o.ViewportWidth
}

func (o Options) viewportHeight() int {
	if o.ViewportHeight <= 0 {
		return 800
	}
	return o.ViewportHeight
}

func (o Options) navigationTimeout() time.Duration {
	if o.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return o.NavigationTimeout
}

// agentFastBlockedPatterns is the URL block list applied under the
// agent_fast interception mode: the structured tier never reads pixels, so
// decorative bytes are pure cost.
var agentFastBlockedPatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.mp3", "*.avi",
}

// Driver owns the shared browser process and mints isolated session
// clients from it. It implements session.Factory.
type Driver struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// NewDriver builds an unconnected driver. Call Start before NewClient.
func NewDriver(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{opts: opts, logger: logger}
}

// Start connects to an existing browser via DebuggerURL or launches a new
// process. Reconnects transparently when a prior connection went stale.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		d.logger.Warn("stale browser connection, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
		d.controlURL = ""
	}

	controlURL := d.opts.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(d.opts.Headless)
		if d.opts.Bin != "" {
			launch = launch.Bin(d.opts.Bin)
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	d.browser = browser
	d.controlURL = controlURL
	d.logger.Info("browser connected",
		zap.Bool("headless", d.opts.Headless),
		zap.Bool("attached", d.opts.DebuggerURL != ""))
	return nil
}

// ControlURL returns the DevTools websocket URL.
func (d *Driver) ControlURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlURL
}

// NewClient implements session.Factory: a fresh incognito browser context
// whose storage and network identity are partitioned from every other
// slot, with the configured viewport and network posture applied.
func (d *Driver) NewClient(ctx context.Context, contextID string) (session.Client, error) {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser driver not started")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.opts.viewportWidth(),
		Height:            d.opts.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		d.logger.Warn("viewport override failed",
			zap.String("contextId", contextID),
			zap.Error(err))
	}

	if err := d.applyNetworkPosture(page); err != nil {
		d.logger.Warn("network posture not applied",
			zap.String("contextId", contextID),
			zap.Error(err))
	}
	_ = (proto.PerformanceEnable{}).Call(page)

	c := newClient(contextID, incognito, page, d.opts, d.logger.With(zap.String("contextId", contextID)))
	return c, nil
}

func (d *Driver) applyNetworkPosture(page *rod.Page) error {
	mode := d.opts.InterceptionMode
	if !d.opts.InterceptionEnabled {
		mode = config.InterceptionDisabled
	}

	if mode == config.InterceptionAgentFast || d.opts.CacheMode == config.CacheForceRefresh {
		if err := (proto.NetworkEnable{}).Call(page); err != nil {
			return err
		}
	}

	if mode == config.InterceptionAgentFast {
		if err := (proto.NetworkSetBlockedURLs{Urls: agentFastBlockedPatterns}).Call(page); err != nil {
			return err
		}
	}
	// visual_render and disabled leave the network untouched.

	switch d.opts.CacheMode {
	case config.CacheForceRefresh:
		if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(page); err != nil {
			return err
		}
	case config.CacheOverrideTTL:
		// Recorded on the options; header rewriting is out of scope.
	}
	return nil
}

// Close tears down the shared browser process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.controlURL = ""
	return err
}

var _ session.Factory = (*Driver)(nil)
