package rodeng

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/browserd/engine"
)

// page adapts a rod.Page to engine.Page.
type page struct {
	p          *rod.Page
	log        *slog.Logger
	navTimeout time.Duration

	// listenCtx bounds the event listener goroutine to the page's life.
	listenCtx    context.Context
	listenCancel context.CancelFunc

	mu         sync.Mutex
	consoleFns []func(engine.ConsoleEntry)
	networkFns []func(engine.NetworkEntry)
	// pending maps request id to method+url until the response arrives.
	pending map[proto.NetworkRequestID]pendingReq
	// restore is a storage-state blob applied after each navigation
	// (local/session storage is origin-scoped, so it cannot be written
	// before the page is on the right origin).
	restore *storageState
	closed  bool
}

type pendingReq struct {
	method string
	url    string
}

var _ engine.Page = (*page)(nil)

func newPage(rp *rod.Page, cfg Config) *page {
	ctx, cancel := context.WithCancel(context.Background())
	return &page{
		p:            rp,
		log:          cfg.Logger,
		navTimeout:   cfg.NavigateTimeout,
		listenCtx:    ctx,
		listenCancel: cancel,
		pending:      make(map[proto.NetworkRequestID]pendingReq),
	}
}

func (p *page) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()

	if err := p.p.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("rodeng: navigate %s: %w", url, err)
	}
	if err := p.p.Context(navCtx).WaitLoad(); err != nil {
		p.log.Warn("rodeng: wait load timeout", "url", url, "error", err)
	}

	p.mu.Lock()
	restore := p.restore
	p.restore = nil
	p.mu.Unlock()
	if restore != nil {
		p.restoreWebStorage(ctx, restore)
	}
	return nil
}

func (p *page) Info(ctx context.Context) (engine.PageInfo, error) {
	info, err := p.p.Context(ctx).Info()
	if err != nil {
		return engine.PageInfo{}, fmt.Errorf("rodeng: page info: %w", err)
	}
	return engine.PageInfo{URL: info.URL, Title: info.Title}, nil
}

func (p *page) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := p.p.Context(ctx).Eval(js)
	if err != nil {
		return nil, fmt.Errorf("rodeng: eval: %w", err)
	}
	out, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("rodeng: encode eval result: %w", err)
	}
	return out, nil
}

func (p *page) Query(ctx context.Context, selector string) ([]engine.Element, error) {
	els, err := p.p.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("rodeng: query %q: %w", selector, err)
	}
	return wrapElements(els), nil
}

func (p *page) QueryXPath(ctx context.Context, xpath string) ([]engine.Element, error) {
	els, err := p.p.Context(ctx).ElementsX(xpath)
	if err != nil {
		return nil, fmt.Errorf("rodeng: query xpath %q: %w", xpath, err)
	}
	return wrapElements(els), nil
}

func (p *page) HasText(ctx context.Context, s string) (bool, error) {
	res, err := p.p.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      `(needle) => (document.body ? document.body.innerText : "").includes(needle)`,
		JSArgs:  []interface{}{s},
		ByValue: true,
	})
	if err != nil {
		return false, fmt.Errorf("rodeng: text search: %w", err)
	}
	return res.Value.Bool(), nil
}

func (p *page) Scroll(ctx context.Context, dx, dy int) error {
	_, err := p.p.Context(ctx).Eval(`(dx, dy) => window.scrollBy(dx, dy)`, dx, dy)
	if err != nil {
		return fmt.Errorf("rodeng: scroll: %w", err)
	}
	return nil
}

func (p *page) Press(ctx context.Context, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if err := p.p.Context(ctx).Keyboard.Press(k); err != nil {
		return fmt.Errorf("rodeng: press %s: %w", key, err)
	}
	return nil
}

func (p *page) SetViewport(ctx context.Context, width, height int) error {
	err := p.p.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("rodeng: set viewport: %w", err)
	}
	return nil
}

func (p *page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var data []byte
	var err error
	if fullPage {
		data, err = p.p.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
	} else {
		data, err = p.p.Context(ctx).Screenshot(false, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("rodeng: screenshot: %w", err)
	}
	return data, nil
}

func (p *page) OnConsole(fn func(engine.ConsoleEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consoleFns = append(p.consoleFns, fn)
}

func (p *page) OnNetwork(fn func(engine.NetworkEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.networkFns = append(p.networkFns, fn)
}

func (p *page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.listenCancel()
	return p.p.Close()
}

// startListeners subscribes to console and network events and fans
// them out to registered callbacks. Runs until the page closes.
func (p *page) startListeners() {
	wait := p.p.Context(p.listenCtx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			entry := engine.ConsoleEntry{
				Level: string(ev.Type),
				Text:  stringifyConsoleArgs(ev.Args),
				At:    time.Now(),
			}
			p.mu.Lock()
			fns := append([]func(engine.ConsoleEntry){}, p.consoleFns...)
			p.mu.Unlock()
			for _, fn := range fns {
				fn(entry)
			}
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			p.mu.Lock()
			p.pending[ev.RequestID] = pendingReq{method: ev.Request.Method, url: ev.Request.URL}
			p.mu.Unlock()
		},
		func(ev *proto.NetworkResponseReceived) {
			p.mu.Lock()
			req, ok := p.pending[ev.RequestID]
			delete(p.pending, ev.RequestID)
			fns := append([]func(engine.NetworkEntry){}, p.networkFns...)
			p.mu.Unlock()
			if !ok {
				req = pendingReq{url: ev.Response.URL}
			}
			entry := engine.NetworkEntry{
				Method: req.method,
				URL:    req.url,
				Status: ev.Response.Status,
				At:     time.Now(),
			}
			for _, fn := range fns {
				fn(entry)
			}
		},
	)
	go wait()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// lookupKey maps a caller-facing key name to a Rod key. Single
// characters pass through directly.
func lookupKey(key string) (input.Key, error) {
	keyMap := map[string]input.Key{
		"Enter":      input.Enter,
		"Tab":        input.Tab,
		"Escape":     input.Escape,
		"Backspace":  input.Backspace,
		"Delete":     input.Delete,
		"ArrowUp":    input.ArrowUp,
		"ArrowDown":  input.ArrowDown,
		"ArrowLeft":  input.ArrowLeft,
		"ArrowRight": input.ArrowRight,
		"Home":       input.Home,
		"End":        input.End,
		"PageUp":     input.PageUp,
		"PageDown":   input.PageDown,
		"Space":      input.Space,
	}
	if k, ok := keyMap[key]; ok {
		return k, nil
	}
	if len(key) == 1 {
		return input.Key(rune(key[0])), nil
	}
	return 0, fmt.Errorf("rodeng: unknown key %q (use Enter, Tab, Escape, ArrowDown, ...)", key)
}
