// Package refstore maintains the per-session mapping from short element
// references ("button_0", "textbox_2") to the selector strategies and
// fingerprints needed to find the live element again. The store is
// rebuilt wholesale on every snapshot; names are deterministic within one
// snapshot and carry no meaning across snapshots.
package refstore

import (
	"strconv"
	"strings"
	"sync"
)

// Fingerprint records the structural/attribute properties of an element
// at snapshot time. The resolver checks candidates against it before
// trusting a selector match.
type Fingerprint struct {
	Tag         string `json:"tag"`
	Role        string `json:"role,omitempty"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Ref is one stored element reference.
type Ref struct {
	// Name is the caller-facing reference, "<category>_<n>".
	Name string `json:"name"`
	// Index is the element's position in the snapshot's element list.
	Index int `json:"index"`

	// Path is the structural CSS path from the document root. Positional:
	// resilient to attribute churn, fragile to sibling reordering.
	Path string `json:"path"`
	// ShortPath prefers a unique id, else a positional qualifier among
	// same-tag siblings.
	ShortPath string `json:"short_path,omitempty"`
	// AttrSelector is an optional attribute-fingerprint selector
	// (tag-qualified when built from attributes alone).
	AttrSelector string `json:"attr_selector,omitempty"`

	Fingerprint Fingerprint `json:"fingerprint"`
}

// Input is one interactive element as delivered by the snapshot builder.
type Input struct {
	Path         string
	ShortPath    string
	AttrSelector string
	Fingerprint  Fingerprint
}

// Category derives the reference name prefix: role when present, else
// tag refined by input type. "button_0" beats "input_0" for a submit.
func Category(fp Fingerprint) string {
	if fp.Role != "" {
		return sanitize(fp.Role)
	}
	switch fp.Tag {
	case "a":
		return "link"
	case "input":
		switch fp.Type {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox", "radio", "file", "range", "color", "date", "time":
			return sanitize(fp.Type)
		case "":
			return "textbox"
		default:
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		return "combobox"
	case "":
		return "element"
	default:
		return sanitize(fp.Tag)
	}
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "element"
	}
	return b.String()
}

// Store maps reference names to Refs for one session. Safe for
// concurrent reads; Rebuild replaces the whole map.
type Store struct {
	mu      sync.RWMutex
	refs    map[string]Ref
	ordered []string
	version int64
}

// NewStore returns an empty store at version 0 (no snapshot yet).
func NewStore() *Store {
	return &Store{refs: make(map[string]Ref)}
}

// Rebuild clears the store and repopulates it from one snapshot pass.
// Names are "<category>_<n>" with n counting per category in document
// order, reset on every rebuild. Returns the new snapshot version and
// the assigned names in input order.
func (s *Store) Rebuild(inputs []Input) (int64, []string) {
	refs := make(map[string]Ref, len(inputs))
	names := make([]string, len(inputs))
	counters := make(map[string]int)

	for i, in := range inputs {
		cat := Category(in.Fingerprint)
		n := counters[cat]
		counters[cat] = n + 1
		name := cat + "_" + strconv.Itoa(n)
		names[i] = name
		refs[name] = Ref{
			Name:         name,
			Index:        i,
			Path:         in.Path,
			ShortPath:    in.ShortPath,
			AttrSelector: in.AttrSelector,
			Fingerprint:  in.Fingerprint,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = refs
	s.ordered = names
	s.version++
	return s.version, names
}

// Get looks up a reference by name.
func (s *Store) Get(name string) (Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refs[name]
	return r, ok
}

// Len reports the number of stored references.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}

// Version is the per-session snapshot counter: incremented on every
// rebuild, informational only.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Names returns the reference names in document order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}
