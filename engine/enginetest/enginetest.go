// Package enginetest provides a scripted in-process engine.Engine for
// broker, snapshot, and resolver tests. Pages serve canned snapshot
// payloads and selector results; elements record the actions performed
// on them.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/browserd/engine"
)

// Engine is a fake engine.Engine.
type Engine struct {
	mu      sync.Mutex
	pages   []*Page
	closed  bool
	OpenErr error

	// NewPage, when set, scripts each opened page. Otherwise OpenPage
	// returns an empty Page.
	NewPage func() *Page
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{}
}

// OpenPage implements engine.Engine.
func (e *Engine) OpenPage(_ context.Context, opts engine.PageOptions) (engine.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if e.closed {
		return nil, fmt.Errorf("enginetest: engine closed")
	}
	var p *Page
	if e.NewPage != nil {
		p = e.NewPage()
	} else {
		p = &Page{}
	}
	p.OpenOptions = opts
	if len(opts.StorageState) > 0 {
		p.Storage = opts.StorageState
	}
	e.pages = append(e.pages, p)
	return p, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Pages returns every page opened so far.
func (e *Engine) Pages() []*Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Page, len(e.pages))
	copy(out, e.pages)
	return out
}

// Page is a fake engine.Page. Zero value is usable; script it through
// the exported fields.
type Page struct {
	mu sync.Mutex

	OpenOptions engine.PageOptions

	CurrentURL   string
	CurrentTitle string
	TextBody     string

	// SnapshotJSON is returned by Eval (the snapshot collector path).
	SnapshotJSON json.RawMessage
	EvalErr      error
	// EvalFn, when set, overrides SnapshotJSON and can vary by call.
	EvalFn func(js string) (json.RawMessage, error)

	// Selectors scripts Query/QueryXPath results.
	Selectors map[string][]*Element

	NavigateErr error
	// OpDelay makes every page-touching call sleep, for busy-flag and
	// cancellation tests.
	OpDelay time.Duration
	// CloseFn, when set, runs at the start of Close so tests can
	// observe or stall a close in progress.
	CloseFn func()

	ScreenshotData []byte
	Storage        json.RawMessage

	Navigations []string
	Pressed     []string
	Scrolls     [][2]int
	Viewport    [2]int
	Shots       int
	Closed      bool

	consoleFns []func(engine.ConsoleEntry)
	networkFns []func(engine.NetworkEntry)
}

func (p *Page) delay(ctx context.Context) error {
	if p.OpDelay <= 0 {
		return nil
	}
	t := time.NewTimer(p.OpDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigations = append(p.Navigations, url)
	p.CurrentURL = url
	return nil
}

func (p *Page) Info(ctx context.Context) (engine.PageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return engine.PageInfo{URL: p.CurrentURL, Title: p.CurrentTitle}, nil
}

func (p *Page) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	evalFn, evalErr, snap := p.EvalFn, p.EvalErr, p.SnapshotJSON
	p.mu.Unlock()
	if evalFn != nil {
		return evalFn(js)
	}
	if evalErr != nil {
		return nil, evalErr
	}
	if snap != nil {
		return snap, nil
	}
	return json.RawMessage(`{}`), nil
}

func (p *Page) Query(ctx context.Context, selector string) ([]engine.Element, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	els := p.Selectors[selector]
	out := make([]engine.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (p *Page) QueryXPath(ctx context.Context, xpath string) ([]engine.Element, error) {
	return p.Query(ctx, xpath)
}

func (p *Page) HasText(ctx context.Context, s string) (bool, error) {
	if err := p.delay(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Contains(p.TextBody, s), nil
}

func (p *Page) Scroll(ctx context.Context, dx, dy int) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scrolls = append(p.Scrolls, [2]int{dx, dy})
	return nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pressed = append(p.Pressed, key)
	return nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Viewport = [2]int{width, height}
	return nil
}

func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Shots++
	if p.ScreenshotData != nil {
		return p.ScreenshotData, nil
	}
	return []byte("png"), nil
}

func (p *Page) StorageState(ctx context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Storage != nil {
		return p.Storage, nil
	}
	return json.RawMessage(`{}`), nil
}

func (p *Page) OnConsole(fn func(engine.ConsoleEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consoleFns = append(p.consoleFns, fn)
}

func (p *Page) OnNetwork(fn func(engine.NetworkEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.networkFns = append(p.networkFns, fn)
}

// EmitConsole delivers a console entry to registered listeners.
func (p *Page) EmitConsole(entry engine.ConsoleEntry) {
	p.mu.Lock()
	fns := append([]func(engine.ConsoleEntry){}, p.consoleFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}

// EmitNetwork delivers a network entry to registered listeners.
func (p *Page) EmitNetwork(entry engine.NetworkEntry) {
	p.mu.Lock()
	fns := append([]func(engine.NetworkEntry){}, p.networkFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}

// SetSelector scripts the elements returned for a selector.
func (p *Page) SetSelector(selector string, els ...*Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Selectors == nil {
		p.Selectors = make(map[string][]*Element)
	}
	p.Selectors[selector] = els
}

func (p *Page) Close() error {
	p.mu.Lock()
	fn := p.CloseFn
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Element is a fake engine.Element recording every action.
type Element struct {
	mu sync.Mutex

	Desc  engine.ElementDesc
	TextV string

	ClickErr error

	Clicks   int
	Hovers   int
	Scrolled int
	Typed    []string
	Keys     []string
	Selected []string
}

func (e *Element) Describe(ctx context.Context) (engine.ElementDesc, error) {
	return e.Desc, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.TextV, nil
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.Clicks++
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Typed = append(e.Typed, text)
	return nil
}

func (e *Element) Press(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Keys = append(e.Keys, key)
	return nil
}

func (e *Element) Hover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Hovers++
	return nil
}

func (e *Element) Select(ctx context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Selected = append(e.Selected, value)
	return nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Scrolled++
	return nil
}
