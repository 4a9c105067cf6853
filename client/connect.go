package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/runfile"
)

// Starter launches a fresh daemon for the caller. It returns once the
// daemon is expected to come up; Connect polls the runfile afterwards.
type Starter func(ctx context.Context) error

// ConnectOptions tune the version-skew recovery of Connect.
type ConnectOptions struct {
	// RunfilePath overrides the default <socket>.run location.
	RunfilePath string

	// MaxRestarts bounds the restart-and-recreate sequence before a
	// fatal error surfaces. Default: 2.
	MaxRestarts int

	// StartupWait bounds how long to wait for a freshly started daemon
	// to publish its runfile. Default: 10s.
	StartupWait time.Duration
}

func (o *ConnectOptions) defaults(socket string) {
	if o.RunfilePath == "" {
		o.RunfilePath = socket + ".run"
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 2
	}
	if o.StartupWait <= 0 {
		o.StartupWait = 10 * time.Second
	}
}

// Connect dials the broker at socket, verifying the runfile's version
// stamp against this build. On skew it runs a bounded
// restart-and-recreate sequence: shut the stale daemon down, launch a
// fresh one through starter, recreate the default session, retry. A nil
// starter makes skew a hard error.
func Connect(ctx context.Context, socket string, starter Starter, opts ConnectOptions) (*Client, error) {
	opts.defaults(socket)

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRestarts; attempt++ {
		rec, err := runfile.Read(opts.RunfilePath)
		switch {
		case err == nil && rec.Version == protocol.Version && runfile.IsAlive(rec.PID):
			c, err := dialAndVerify(ctx, socket)
			if err == nil {
				return c, nil
			}
			lastErr = err
		case err == nil && rec.Version != protocol.Version && runfile.IsAlive(rec.PID):
			lastErr = &protocol.WireError{
				Code:    protocol.CodeVersionMismatch,
				Message: fmt.Sprintf("daemon speaks protocol %s, this build speaks %s", rec.Version, protocol.Version),
			}
			if starter == nil {
				return nil, lastErr
			}
			stopStale(ctx, rec)
		case err == nil && !runfile.IsAlive(rec.PID):
			// Crashed daemon left a stale runfile behind.
			_ = runfile.Remove(opts.RunfilePath)
			lastErr = fmt.Errorf("client: daemon pid %d is gone", rec.PID)
		case errors.Is(err, os.ErrNotExist):
			lastErr = fmt.Errorf("client: no daemon runfile at %s", opts.RunfilePath)
		default:
			lastErr = err
		}

		if starter == nil {
			return nil, lastErr
		}
		if err := starter(ctx); err != nil {
			return nil, fmt.Errorf("client: start daemon: %w", err)
		}
		if err := awaitRunfile(ctx, opts.RunfilePath, opts.StartupWait); err != nil {
			lastErr = err
			continue
		}
		c, err := dialAndVerify(ctx, socket)
		if err != nil {
			lastErr = err
			continue
		}
		// The fresh daemon has no sessions; recreate the default one so
		// callers resume where they were.
		if _, err := c.CreateSession(ctx, protocol.DefaultSessionID, nil); err != nil {
			var we *protocol.WireError
			if !errors.As(err, &we) || we.Code != protocol.CodeDuplicateSession {
				c.Close()
				lastErr = fmt.Errorf("client: recreate default session: %w", err)
				continue
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("client: daemon unreachable after %d restarts: %w", opts.MaxRestarts, lastErr)
}

func dialAndVerify(ctx context.Context, socket string) (*Client, error) {
	c, err := Dial(socket)
	if err != nil {
		return nil, err
	}
	pong, err := c.Ping(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("client: ping: %w", err)
	}
	if pong.Version != protocol.Version {
		c.Close()
		return nil, &protocol.WireError{
			Code:    protocol.CodeVersionMismatch,
			Message: fmt.Sprintf("daemon speaks protocol %s, this build speaks %s", pong.Version, protocol.Version),
		}
	}
	return c, nil
}

// stopStale asks the old daemon to exit, best effort.
func stopStale(ctx context.Context, rec runfile.Record) {
	c, err := Dial(rec.Socket)
	if err != nil {
		return
	}
	defer c.Close()
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = c.Shutdown(stopCtx)
	for range 30 {
		if !runfile.IsAlive(rec.PID) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func awaitRunfile(ctx context.Context, path string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := runfile.Read(path)
		if err == nil && runfile.IsAlive(rec.PID) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("client: daemon did not publish %s within %s", path, wait)
}
