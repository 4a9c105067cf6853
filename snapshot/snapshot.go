// Package snapshot extracts a page's interactive elements, accessibility
// outline, and scroll metrics in a single read-only pass, and rebuilds
// the session's reference store from the result. The collector never
// writes to the DOM, so frameworks that re-render and strip foreign
// attributes cannot desynchronize references from the live page.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/refstore"
)

const (
	// DefaultLimit caps the element list when the caller gives no
	// head/tail/limit shaping.
	DefaultLimit = 100
	// DefaultOutlineDepth bounds the accessibility outline walk.
	DefaultOutlineDepth = 4
)

// Options shape the returned state. Zero value means: first
// DefaultLimit elements, outline included at DefaultOutlineDepth.
type Options struct {
	// Head returns the first N elements; Tail the last N. Both set
	// returns head-block then tail-block without overlap.
	Head int
	Tail int
	// Limit caps the element list when Head and Tail are unset.
	Limit int

	OutlineDepth   int
	ExcludeOutline bool
}

// Element is one interactive element as reported to the caller.
type Element struct {
	Ref         string `json:"ref"`
	Tag         string `json:"tag"`
	Role        string `json:"role,omitempty"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Text        string `json:"text,omitempty"`
}

// OutlineNode is one entry of the depth-bounded accessibility outline.
type OutlineNode struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Depth int    `json:"depth"`
}

// Scroll reports the page's vertical scroll metrics in pixels.
type Scroll struct {
	Above    int `json:"above"`
	Below    int `json:"below"`
	Total    int `json:"total"`
	Viewport int `json:"viewport"`
}

// State is the result of one snapshot pass.
type State struct {
	URL             string        `json:"url"`
	Title           string        `json:"title"`
	SnapshotVersion int64         `json:"snapshot_version"`
	Elements        []Element     `json:"elements"`
	ElementsTotal   int           `json:"elements_total"`
	Outline         []OutlineNode `json:"outline,omitempty"`
	OutlineTotal    int           `json:"outline_total,omitempty"`
	Scroll          Scroll        `json:"scroll"`
}

// collected mirrors the collector script's return value.
type collected struct {
	URL      string             `json:"url"`
	Title    string             `json:"title"`
	Elements []collectedElement `json:"elements"`
	Outline  []OutlineNode      `json:"outline"`
	Scroll   Scroll             `json:"scroll"`
}

type collectedElement struct {
	Tag          string `json:"tag"`
	Role         string `json:"role"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Placeholder  string `json:"placeholder"`
	Text         string `json:"text"`
	Path         string `json:"path"`
	ShortPath    string `json:"shortPath"`
	AttrSelector string `json:"attrSelector"`
}

// Build runs the collector on page, rebuilds store wholesale, and
// returns the shaped state. The reference names in the result are valid
// until the next Build on the same store.
func Build(ctx context.Context, page engine.Page, store *refstore.Store, opts Options) (*State, error) {
	depth := opts.OutlineDepth
	if depth <= 0 {
		depth = DefaultOutlineDepth
	}

	raw, err := page.Eval(ctx, fmt.Sprintf("(%s)(%d)", collectorJS, depth))
	if err != nil {
		return nil, fmt.Errorf("snapshot: collect: %w", err)
	}
	var col collected
	if err := json.Unmarshal(raw, &col); err != nil {
		return nil, fmt.Errorf("snapshot: decode collector payload: %w", err)
	}

	inputs := make([]refstore.Input, len(col.Elements))
	for i, ce := range col.Elements {
		inputs[i] = refstore.Input{
			Path:         ce.Path,
			ShortPath:    ce.ShortPath,
			AttrSelector: ce.AttrSelector,
			Fingerprint: refstore.Fingerprint{
				Tag:         ce.Tag,
				Role:        ce.Role,
				Type:        ce.Type,
				Name:        ce.Name,
				Placeholder: ce.Placeholder,
			},
		}
	}
	version, names := store.Rebuild(inputs)

	elements := make([]Element, len(col.Elements))
	for i, ce := range col.Elements {
		elements[i] = Element{
			Ref:         names[i],
			Tag:         ce.Tag,
			Role:        ce.Role,
			Type:        ce.Type,
			Name:        ce.Name,
			Placeholder: ce.Placeholder,
			Text:        ce.Text,
		}
	}

	st := &State{
		URL:             col.URL,
		Title:           col.Title,
		SnapshotVersion: version,
		Elements:        cut(elements, opts.Head, opts.Tail, opts.Limit),
		ElementsTotal:   len(elements),
		Scroll:          col.Scroll,
	}
	if !opts.ExcludeOutline {
		st.Outline = cut(col.Outline, opts.Head, opts.Tail, opts.Limit)
		st.OutlineTotal = len(col.Outline)
	}
	return st, nil
}

// cut applies head/tail/limit slicing. Head and tail together return
// the head block followed by the tail block; when they would overlap
// the whole list is returned once.
func cut[T any](s []T, head, tail, limit int) []T {
	n := len(s)
	if head <= 0 && tail <= 0 {
		if limit <= 0 {
			limit = DefaultLimit
		}
		if n > limit {
			return s[:limit]
		}
		return s
	}
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= n {
		return s
	}
	out := make([]T, 0, head+tail)
	out = append(out, s[:head]...)
	out = append(out, s[n-tail:]...)
	return out
}
