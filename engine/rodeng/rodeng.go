// Package rodeng drives a Chromium instance through Rod and adapts it
// to the engine contract. It launches a local browser via the launcher
// (or connects to a remote control URL), opens stealth pages, and wires
// console/network event listeners into the page's subscribers.
package rodeng

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/browserd/engine"
)

// Config configures the Rod engine.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful disables headless mode for debugging.
	Headful bool

	// Stealth applies anti-detection patches to every new page.
	// Default: true (set NoStealth to opt out).
	NoStealth bool

	// ResourceBlocking lists resource types to block (images, fonts,
	// media, stylesheets).
	ResourceBlocking []string

	// NavigateTimeout bounds a single navigation. Default: 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Eng is a Rod-backed engine.Engine. Construct with New, call Start
// before opening pages.
type Eng struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

var _ engine.Engine = (*Eng)(nil)

// New creates an Eng. Call Start to launch or connect.
func New(cfg Config) *Eng {
	cfg.defaults()
	return &Eng{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance).
func (e *Eng) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("rodeng: engine is closed")
	}
	log := e.cfg.Logger

	var wsURL string
	if e.cfg.RemoteURL != "" {
		wsURL = e.cfg.RemoteURL
		log.Info("rodeng: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(!e.cfg.Headful)

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("rodeng: launch: %w", err)
		}
		wsURL = u
		e.lnch = l
		log.Info("rodeng: launched local chrome", "url", wsURL, "headful", e.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("rodeng: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("rodeng: ignore cert errors failed", "error", err)
	}
	e.browser = b
	return nil
}

// OpenPage creates a stealth page, applies resource blocking, viewport,
// and storage state, and starts the event listeners.
func (e *Eng) OpenPage(ctx context.Context, opts engine.PageOptions) (engine.Page, error) {
	e.mu.Lock()
	b := e.browser
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("rodeng: engine is closed")
	}
	if b == nil {
		return nil, fmt.Errorf("rodeng: engine not started")
	}

	var rp *rod.Page
	var err error
	if e.cfg.NoStealth {
		rp, err = b.Page(proto.TargetCreateTarget{URL: ""})
	} else {
		rp, err = stealth.Page(b)
	}
	if err != nil {
		return nil, fmt.Errorf("rodeng: create page: %w", err)
	}

	if len(e.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(rp, e.cfg.ResourceBlocking); err != nil {
			e.cfg.Logger.Warn("rodeng: resource blocking failed", "error", err)
		}
	}

	p := newPage(rp, e.cfg)

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := p.SetViewport(ctx, opts.ViewportWidth, opts.ViewportHeight); err != nil {
			p.Close()
			return nil, fmt.Errorf("rodeng: set viewport: %w", err)
		}
	}
	if len(opts.StorageState) > 0 {
		if err := p.applyStorageState(ctx, opts.StorageState); err != nil {
			p.Close()
			return nil, fmt.Errorf("rodeng: restore storage state: %w", err)
		}
	}

	p.startListeners()
	return p, nil
}

// Close shuts down the browser and the launcher.
func (e *Eng) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.browser != nil {
		e.browser.Close()
		e.browser = nil
	}
	if e.lnch != nil {
		e.lnch.Cleanup()
		e.lnch = nil
	}
	return nil
}

// applyResourceBlocking sets up request interception to block the
// configured resource types.
func applyResourceBlocking(page *rod.Page, types []string) error {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		if shouldBlock(blockSet, string(ctx.Request.Type())) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return nil
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[strings.ToLower(resType)]
}
