package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/refstore"
)

// Session owns one page, its reference store, and its log buffers.
// Exactly one operation runs against a session at a time, serialized on
// the busy mutex; unrelated sessions proceed fully in parallel.
type Session struct {
	ID string

	page     engine.Page
	refs     *refstore.Store
	resolver *refstore.Resolver
	log      *slog.Logger

	console *ring[engine.ConsoleEntry]
	network *ring[engine.NetworkEntry]
	// Console capture is always on; network capture is opt-in via the
	// enable-capture primitive (response streams are noisy).
	captureNetwork atomic.Bool

	// busy is the per-session mutual exclusion. TryLock only: a held
	// flag means SessionBusy, never queueing. held mirrors the flag for
	// observers; probing the mutex itself would momentarily steal it.
	busy sync.Mutex
	held atomic.Bool

	mu       sync.Mutex
	lastUsed time.Time
}

func newSession(id string, page engine.Page, ringSize int, log *slog.Logger) *Session {
	s := &Session{
		ID:       id,
		page:     page,
		refs:     refstore.NewStore(),
		resolver: refstore.NewResolver(log),
		log:      log,
		console:  newRing[engine.ConsoleEntry](ringSize),
		network:  newRing[engine.NetworkEntry](ringSize),
		lastUsed: time.Now(),
	}
	page.OnConsole(func(e engine.ConsoleEntry) {
		s.console.add(e)
	})
	page.OnNetwork(func(e engine.NetworkEntry) {
		if s.captureNetwork.Load() {
			s.network.add(e)
		}
	})
	return s
}

// TryAcquire takes the busy flag without blocking.
func (s *Session) TryAcquire() bool {
	if !s.busy.TryLock() {
		return false
	}
	s.held.Store(true)
	return true
}

// Release returns the busy flag. Must pair with a successful TryAcquire.
func (s *Session) Release() {
	s.held.Store(false)
	s.busy.Unlock()
}

// Busy reports whether an operation currently holds the session.
// Read-only: it never touches the mutex, so a concurrent TryAcquire
// cannot lose to a status probe.
func (s *Session) Busy() bool {
	return s.held.Load()
}

// Touch resets the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been unused.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// SnapshotVersion is the session's current snapshot counter.
func (s *Session) SnapshotVersion() int64 {
	return s.refs.Version()
}

// Close releases the page. The caller must have removed the session
// from the registry first.
func (s *Session) Close() error {
	return s.page.Close()
}
