package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/protocol"
)

// Registry is the id→Session map. It is the only globally shared
// mutable structure; membership changes serialize on its mutex, not on
// any session's busy flag.
type Registry struct {
	eng      engine.Engine
	ringSize int
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry(eng engine.Engine, ringSize int, log *slog.Logger) *Registry {
	return &Registry{
		eng:      eng,
		ringSize: ringSize,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create opens a page and registers a new session. An empty id gets a
// fresh collision-free name; a requested id that is live fails with
// ErrDuplicateSession. Closed ids become available again.
func (r *Registry) Create(ctx context.Context, id string, opts protocol.SessionOptions) (*Session, error) {
	r.mu.Lock()
	if id == "" {
		id = allocateSessionID(func(candidate string) bool {
			_, live := r.sessions[candidate]
			return live
		})
	} else if _, live := r.sessions[id]; live {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	// Reserve the id before the (slow) page open so a concurrent create
	// of the same id fails fast instead of racing.
	r.sessions[id] = nil
	r.mu.Unlock()

	page, err := r.eng.OpenPage(ctx, engine.PageOptions{
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
		StorageState:   opts.StorageState,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("broker: open page for session %s: %w", id, err)
	}

	s := newSession(id, page, r.ringSize, r.log.With("session", id))
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.Info("session created", "session", id)
	return s, nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// GetOrCreateDefault returns the well-known default session, creating
// it on first use.
func (r *Registry) GetOrCreateDefault(ctx context.Context) (*Session, error) {
	if s, err := r.Get(protocol.DefaultSessionID); err == nil {
		return s, nil
	}
	s, err := r.Create(ctx, protocol.DefaultSessionID, protocol.SessionOptions{})
	if err == nil {
		return s, nil
	}
	// Lost a create race: the winner's session is the one to use.
	if s2, err2 := r.Get(protocol.DefaultSessionID); err2 == nil {
		return s2, nil
	}
	return s, err
}

// Remove unregisters and closes a session.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.Close(); err != nil {
		r.log.Warn("session close failed", "session", id, "error", err)
	}
	r.log.Info("session closed", "session", id)
	return nil
}

// List returns the live sessions sorted by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// Sweep closes every non-busy session idle past the TTL and reports how
// many were evicted. A busy session is never touched regardless of idle
// time.
func (r *Registry) Sweep(ttl time.Duration) int {
	evicted := 0
	for _, s := range r.List() {
		if s.IdleFor() < ttl {
			continue
		}
		if !s.TryAcquire() {
			continue
		}
		// Re-check under the flag: the operation that just released it
		// refreshed the idle clock.
		if s.IdleFor() < ttl {
			s.Release()
			continue
		}
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		// Close while still holding the flag: a caller with a stale
		// *Session must not run a command against a closing page.
		if err := s.Close(); err != nil {
			r.log.Warn("sweep: session close failed", "session", s.ID, "error", err)
		}
		s.Release()
		r.log.Info("session evicted", "session", s.ID, "idle", s.IdleFor())
		evicted++
	}
	return evicted
}

// CloseAll tears down every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			r.log.Warn("shutdown: session close failed", "session", s.ID, "error", err)
		}
	}
}
