package rodeng

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// storageState is the opaque blob passed through session creation and
// extraction: cookies plus web storage of the current origin.
type storageState struct {
	Cookies        []*proto.NetworkCookieParam `json:"cookies,omitempty"`
	LocalStorage   map[string]string           `json:"local_storage,omitempty"`
	SessionStorage map[string]string           `json:"session_storage,omitempty"`
}

// StorageState snapshots cookies and web storage into one blob.
func (p *page) StorageState(ctx context.Context) (json.RawMessage, error) {
	rp := p.p.Context(ctx)

	cookiesRes, err := proto.NetworkGetCookies{}.Call(rp)
	if err != nil {
		return nil, fmt.Errorf("rodeng: get cookies: %w", err)
	}

	st := storageState{
		LocalStorage:   snapshotWebStorage(rp, "localStorage"),
		SessionStorage: snapshotWebStorage(rp, "sessionStorage"),
	}
	for _, c := range cookiesRes.Cookies {
		st.Cookies = append(st.Cookies, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}

	out, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("rodeng: encode storage state: %w", err)
	}
	return out, nil
}

// applyStorageState restores cookies immediately and parks web storage
// for the first navigation (it is origin-scoped).
func (p *page) applyStorageState(ctx context.Context, blob json.RawMessage) error {
	var st storageState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("rodeng: decode storage state: %w", err)
	}
	if len(st.Cookies) > 0 {
		if err := p.p.Context(ctx).SetCookies(st.Cookies); err != nil {
			return fmt.Errorf("rodeng: set cookies: %w", err)
		}
	}
	if len(st.LocalStorage) > 0 || len(st.SessionStorage) > 0 {
		p.mu.Lock()
		p.restore = &st
		p.mu.Unlock()
	}
	return nil
}

func (p *page) restoreWebStorage(ctx context.Context, st *storageState) {
	_, err := p.p.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `(local, session) => {
			try {
				Object.entries(local || {}).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
			try {
				Object.entries(session || {}).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:  []interface{}{st.LocalStorage, st.SessionStorage},
		ByValue: true,
	})
	if err != nil {
		p.log.Warn("rodeng: restore web storage failed", "error", err)
	}
}

func snapshotWebStorage(rp *rod.Page, store string) map[string]string {
	res, err := rp.Evaluate(&rod.EvalOptions{
		JS: fmt.Sprintf(`() => {
			try {
				const out = {};
				for (const key of Object.keys(%s)) {
					out[key] = %s.getItem(key);
				}
				return out;
			} catch (e) {
				return {};
			}
		}`, store, store),
		ByValue: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return nil
	}
	out := make(map[string]string)
	for k, v := range res.Value.Map() {
		out[k] = v.Str()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
