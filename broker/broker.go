// Package broker is the long-lived daemon core: it owns the session
// registry, listens on a unix socket, decodes newline-delimited JSON
// requests, dispatches them to sessions, and writes one response per
// request. Operations on different sessions run fully in parallel;
// operations on one session serialize on its busy flag.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/idgen"
	"github.com/hazyhaar/browserd/kit"
	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/runfile"
)

// Broker accepts connections and routes requests to sessions.
type Broker struct {
	cfg Config
	log *slog.Logger
	eng engine.Engine
	reg *Registry

	endpoint kit.Endpoint
	mws      []kit.Middleware

	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
	reqID        idgen.Generator
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithMiddleware wraps the dispatch endpoint; applied in order around
// the built-in request logging.
func WithMiddleware(mws ...kit.Middleware) Option {
	return func(b *Broker) { b.mws = append(b.mws, mws...) }
}

// New constructs a Broker over an already-started engine.
func New(cfg Config, eng engine.Engine, opts ...Option) *Broker {
	cfg.applyDefaults()
	b := &Broker{
		cfg:        cfg,
		log:        slog.Default(),
		eng:        eng,
		shutdownCh: make(chan struct{}),
		reqID:      idgen.Prefixed("req_", idgen.NanoID(10)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.reg = newRegistry(eng, cfg.LogRingSize, b.log)

	mws := append([]kit.Middleware{b.logMiddleware()}, b.mws...)
	b.endpoint = kit.Chain(mws...)(b.dispatch)
	return b
}

// Registry exposes the session registry, mainly for tests.
func (b *Broker) Registry() *Registry { return b.reg }

// Serve listens on the configured socket and blocks until ctx is
// cancelled or a shutdown request arrives. It writes the runfile on
// startup and removes it on the way out.
func (b *Broker) Serve(ctx context.Context) error {
	if err := os.Remove(b.cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("broker: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", b.cfg.Socket)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}

	if err := runfile.Write(b.cfg.Runfile, runfile.Record{
		PID:       os.Getpid(),
		Version:   protocol.Version,
		Socket:    b.cfg.Socket,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		ln.Close()
		return fmt.Errorf("broker: write runfile: %w", err)
	}

	b.log.Info("broker listening", "socket", b.cfg.Socket, "version", protocol.Version)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(serveCtx)

	// Unblocks the accept loop on cancellation or shutdown request.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-b.shutdownCh:
		}
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				case <-b.shutdownCh:
					return nil
				default:
					return fmt.Errorf("broker: accept: %w", err)
				}
			}
			go b.handleConn(gctx, conn)
		}
	})

	g.Go(func() error {
		b.sweepLoop(gctx)
		return nil
	})

	err = g.Wait()

	b.closeAllBounded()
	if rmErr := runfile.Remove(b.cfg.Runfile); rmErr != nil {
		b.log.Warn("runfile removal failed", "error", rmErr)
	}
	os.Remove(b.cfg.Socket)
	b.log.Info("broker stopped")
	return err
}

// closeAllBounded closes every session with the failsafe timer: if the
// graceful close stalls past the grace period, shutdown proceeds anyway.
func (b *Broker) closeAllBounded() {
	done := make(chan struct{})
	go func() {
		b.reg.CloseAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownGrace):
		b.log.Warn("graceful session close stalled, forcing shutdown",
			"grace", b.cfg.ShutdownGrace)
	}
}

func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdownCh:
			return
		case <-ticker.C:
			if n := b.reg.Sweep(b.cfg.SessionTTL); n > 0 {
				b.log.Info("sweep evicted idle sessions", "count", n)
			}
		}
	}
}

// handleConn serves one connection: requests are handled strictly in
// arrival order, so per-session response order follows busy-flag
// acquisition order.
func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Cancelling here aborts in-flight waits when the broker stops.
	// A caller disconnect does not cancel an in-flight engine call; the
	// busy flag releases when that call completes naturally.
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	for {
		req, raw, err := r.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, protocol.ErrDecode) {
				resp := protocol.ErrResponse(protocol.RecoverToken(raw), wireError(err))
				if werr := w.WriteResponse(resp); werr != nil {
					return
				}
				continue
			}
			b.log.Debug("connection read failed", "error", err)
			return
		}

		resp := b.serveRequest(ctx, req)
		if err := w.WriteResponse(resp); err != nil {
			b.log.Debug("connection write failed", "error", err)
			return
		}
	}
}

// serveRequest runs one request through the middleware-wrapped
// endpoint. Every failure is converted to a structured error response
// carrying the correlation token; nothing crosses connections.
func (b *Broker) serveRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx = kit.WithRequestID(ctx, b.reqID())
	ctx = kit.WithTransport(ctx, "ipc")
	if req.SessionID != "" {
		ctx = kit.WithSessionID(ctx, req.SessionID)
	}

	out, err := b.endpoint(ctx, req)
	if err != nil {
		return protocol.ErrResponse(req.ID, wireError(err))
	}
	resp, ok := out.(*protocol.Response)
	if !ok {
		return protocol.ErrResponse(req.ID, &protocol.WireError{
			Code:    protocol.CodeInternal,
			Message: "broker: endpoint returned unexpected type",
		})
	}
	return resp
}

// logMiddleware is the innermost middleware: one line per request with
// op, session, outcome, and duration.
func (b *Broker) logMiddleware() kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, reqAny any) (any, error) {
			req := reqAny.(*protocol.Request)
			start := time.Now()
			out, err := next(ctx, reqAny)

			attrs := []any{
				"op", req.Op,
				"request_id", kit.GetRequestID(ctx),
				"duration", time.Since(start),
			}
			if req.SessionID != "" {
				attrs = append(attrs, "session", req.SessionID)
			}
			if resp, ok := out.(*protocol.Response); ok && resp.Error != nil {
				attrs = append(attrs, "code", resp.Error.Code)
				b.log.Warn("request failed", attrs...)
			} else if err != nil {
				attrs = append(attrs, "error", err)
				b.log.Warn("request failed", attrs...)
			} else {
				b.log.Debug("request handled", attrs...)
			}
			return out, err
		}
	}
}

// Shutdown asks the serve loop to stop. Safe to call more than once.
func (b *Broker) Shutdown() {
	if b.shuttingDown.CompareAndSwap(false, true) {
		close(b.shutdownCh)
	}
}
