package refstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/browserd/engine"
)

// ErrUnresolved means no strategy yielded any candidate for a reference.
// The caller should take a fresh snapshot and retry with a new ref.
var ErrUnresolved = errors.New("refstore: reference unresolved")

// Resolver finds the live element behind a stored reference by trying
// selector strategies in a fixed order: structural path, short path,
// attribute-fingerprint selector.
type Resolver struct {
	log *slog.Logger

	// Strict disables the first-candidate fallback: a candidate must
	// pass the fingerprint check or resolution fails. Default false:
	// duplicate structural paths for structurally identical rows are
	// common, so availability beats precision.
	Strict bool
}

// NewResolver returns a Resolver with the default fallback policy.
func NewResolver(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log}
}

// Resolve finds the live element for ref on page. Strategy order is
// strict; within a strategy every candidate is checked against the
// stored fingerprint and the first structural match wins. If candidates
// exist but none pass the check, the first candidate of the best
// strategy is returned unless Strict is set.
func (r *Resolver) Resolve(ctx context.Context, page engine.Page, ref Ref) (engine.Element, error) {
	type strategy struct {
		kind string
		sel  string
	}
	strategies := []strategy{
		{"structural", ref.Path},
		{"short", ref.ShortPath},
		{"fingerprint", ref.AttrSelector},
	}

	var fallback engine.Element
	var fallbackKind string

	for _, st := range strategies {
		if st.sel == "" {
			continue
		}
		candidates, err := page.Query(ctx, st.sel)
		if err != nil {
			r.log.Debug("resolver: query failed", "ref", ref.Name, "strategy", st.kind, "error", err)
			continue
		}
		if len(candidates) == 0 {
			continue
		}
		if fallback == nil {
			fallback = candidates[0]
			fallbackKind = st.kind
		}
		for _, cand := range candidates {
			desc, err := cand.Describe(ctx)
			if err != nil {
				continue
			}
			if matches(desc, ref.Fingerprint) {
				return cand, nil
			}
		}
	}

	if fallback != nil && !r.Strict {
		r.log.Debug("resolver: fingerprint mismatch, using first candidate",
			"ref", ref.Name, "strategy", fallbackKind)
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: %s (take a fresh snapshot)", ErrUnresolved, ref.Name)
}

// matches checks a live element against a stored fingerprint. The tag
// must agree; the remaining fields are compared only when the snapshot
// recorded them.
func matches(desc engine.ElementDesc, fp Fingerprint) bool {
	if fp.Tag != "" && !strings.EqualFold(desc.Tag, fp.Tag) {
		return false
	}
	if fp.Role != "" && !strings.EqualFold(desc.Role, fp.Role) {
		return false
	}
	if fp.Type != "" && !strings.EqualFold(desc.Type, fp.Type) {
		return false
	}
	if fp.Name != "" && desc.Name != fp.Name {
		return false
	}
	if fp.Placeholder != "" && desc.Placeholder != fp.Placeholder {
		return false
	}
	return true
}
