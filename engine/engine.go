// Package engine defines the abstract browser collaborator the broker
// drives: open pages, navigate, act on resolved elements, observe console
// and network traffic. The broker depends only on this contract; the rod
// adapter in engine/rodeng is the production implementation and
// engine/enginetest the scripted fake.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// PageOptions configure a newly opened page.
type PageOptions struct {
	ViewportWidth  int
	ViewportHeight int
	// StorageState is an opaque cookie/storage blob applied before first
	// navigation. Passed through unchanged; the broker never inspects it.
	StorageState json.RawMessage
}

// Engine owns the underlying browser process or connection.
type Engine interface {
	// OpenPage creates an isolated page/context for one session.
	OpenPage(ctx context.Context, opts PageOptions) (Page, error)
	// Close releases the browser. Open pages become invalid.
	Close() error
}

// PageInfo is the page's current location.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// NetworkEntry is one captured network response.
type NetworkEntry struct {
	Method string    `json:"method"`
	URL    string    `json:"url"`
	Status int       `json:"status"`
	At     time.Time `json:"at"`
}

// Page is one browser page owned by exactly one session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Info(ctx context.Context) (PageInfo, error)

	// Eval runs a zero-argument JS function in the page and returns its
	// JSON-serialised result. The snapshot collector rides on this.
	Eval(ctx context.Context, js string) (json.RawMessage, error)

	// Query returns elements matching a CSS selector, in document order.
	Query(ctx context.Context, selector string) ([]Element, error)
	// QueryXPath returns elements matching an XPath, in document order.
	QueryXPath(ctx context.Context, xpath string) ([]Element, error)

	// HasText reports whether the page's visible text contains s.
	HasText(ctx context.Context, s string) (bool, error)

	Scroll(ctx context.Context, dx, dy int) error
	Press(ctx context.Context, key string) error
	SetViewport(ctx context.Context, width, height int) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// StorageState extracts the opaque cookie/storage blob.
	StorageState(ctx context.Context) (json.RawMessage, error)

	// OnConsole and OnNetwork register listeners. Registration is
	// one-shot per page; the session's ring buffers sit behind them.
	OnConsole(fn func(ConsoleEntry))
	OnNetwork(fn func(NetworkEntry))

	Close() error
}

// ElementDesc carries the properties the resolver checks against a stored
// fingerprint, plus visibility for snapshot filtering and waits.
type ElementDesc struct {
	Tag         string `json:"tag"`
	Role        string `json:"role,omitempty"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	TestID      string `json:"test_id,omitempty"`
	Visible     bool   `json:"visible"`
}

// Element is a live handle to one on-page element.
type Element interface {
	Describe(ctx context.Context) (ElementDesc, error)
	Text(ctx context.Context) (string, error)

	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	Hover(ctx context.Context) error
	Select(ctx context.Context, value string) error
	ScrollIntoView(ctx context.Context) error
}
