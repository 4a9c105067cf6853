package rodeng

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/browserd/engine"
)

// element adapts a rod.Element to engine.Element.
type element struct {
	el *rod.Element
}

var _ engine.Element = (*element)(nil)

func wrapElements(els rod.Elements) []engine.Element {
	out := make([]engine.Element, len(els))
	for i, el := range els {
		out[i] = &element{el: el}
	}
	return out
}

// Describe reads the element's identifying properties in one eval.
func (e *element) Describe(ctx context.Context) (engine.ElementDesc, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const el = this;
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		let name = (el.getAttribute("aria-label") || "").trim();
		if (!name) name = el.getAttribute("name") || "";
		if (!name) name = (el.innerText || el.value || "").trim().slice(0, 80);
		return {
			tag: el.tagName.toLowerCase(),
			role: (el.getAttribute("role") || "").toLowerCase(),
			type: el.tagName.toLowerCase() === "input" ? el.type : "",
			name: name,
			placeholder: el.getAttribute("placeholder") || "",
			test_id: el.getAttribute("data-testid") || el.getAttribute("data-test-id") || "",
			visible: r.width > 0 && r.height > 0 && st.display !== "none" && st.visibility !== "hidden",
		};
	}`)
	if err != nil {
		return engine.ElementDesc{}, fmt.Errorf("rodeng: describe element: %w", err)
	}
	raw, err := json.Marshal(res.Value.Val())
	if err != nil {
		return engine.ElementDesc{}, fmt.Errorf("rodeng: encode element description: %w", err)
	}
	var desc engine.ElementDesc
	if err := json.Unmarshal(raw, &desc); err != nil {
		return engine.ElementDesc{}, fmt.Errorf("rodeng: decode element description: %w", err)
	}
	return desc, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	if err != nil {
		return "", fmt.Errorf("rodeng: element text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (e *element) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("rodeng: scroll into view: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("rodeng: click: %w", err)
	}
	return nil
}

// Type replaces the element's current value.
func (e *element) Type(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("rodeng: focus element: %w", err)
	}
	// Clear any existing value so repeated types do not append.
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("rodeng: type: %w", err)
	}
	return nil
}

func (e *element) Press(ctx context.Context, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if err := e.el.Context(ctx).Type(k); err != nil {
		return fmt.Errorf("rodeng: press %s: %w", key, err)
	}
	return nil
}

func (e *element) Hover(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("rodeng: scroll into view: %w", err)
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("rodeng: hover: %w", err)
	}
	return nil
}

// Select picks an option by visible text first, then by value attribute.
func (e *element) Select(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	err := el.Select([]string{value}, true, rod.SelectorTypeText)
	if err != nil {
		err = el.Select([]string{fmt.Sprintf(`[value=%q]`, value)}, true, rod.SelectorTypeCSSSector)
	}
	if err != nil {
		return fmt.Errorf("rodeng: select %q: %w", value, err)
	}
	return nil
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	if err := e.el.Context(ctx).ScrollIntoView(); err != nil {
		return fmt.Errorf("rodeng: scroll into view: %w", err)
	}
	return nil
}
