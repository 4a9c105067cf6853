// Package client is the caller-side library for the browserd socket
// protocol: it frames requests, tracks correlation tokens, and offers
// typed helpers over the raw operations. Connect additionally checks
// the daemon's runfile for version skew and can restart a stale daemon
// through a caller-supplied starter.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hazyhaar/browserd/idgen"
	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/snapshot"
)

// Client is one connection to a broker. Safe for concurrent use;
// requests on one connection are serialized.
type Client struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
	log  *slog.Logger

	mu    sync.Mutex
	token idgen.Generator
}

// Dial connects to a broker socket.
func Dial(socket string) (*Client, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socket, err)
	}
	return &Client{
		conn:  conn,
		r:     protocol.NewReader(conn),
		w:     protocol.NewWriter(conn),
		log:   slog.Default(),
		token: idgen.Prefixed("tok_", idgen.NanoID(10)),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and returns its response. A missing correlation
// token is filled in; the response must echo it. A response-level error
// is returned as *protocol.WireError.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ID == "" {
		req.ID = c.token()
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.w.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}
	resp, err := c.r.ReadResponse()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("client: %w", ctx.Err())
		}
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("client: correlation mismatch: sent %q, got %q", req.ID, resp.ID)
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, fmt.Errorf("client: response not ok and carries no error")
		}
		return resp, resp.Error
	}
	return resp, nil
}

func doTyped[T any](ctx context.Context, c *Client, req *protocol.Request) (*T, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("client: decode %s result: %w", req.Op, err)
	}
	return &out, nil
}

// CreateSession creates a session. An empty id lets the broker pick a
// name; opts may be nil.
func (c *Client) CreateSession(ctx context.Context, id string, opts *protocol.SessionOptions) (*protocol.CreateSessionResult, error) {
	return doTyped[protocol.CreateSessionResult](ctx, c, &protocol.Request{
		Op:        protocol.OpCreateSession,
		SessionID: id,
		Options:   opts,
	})
}

// ListSessions enumerates live sessions.
func (c *Client) ListSessions(ctx context.Context) (*protocol.ListSessionsResult, error) {
	return doTyped[protocol.ListSessionsResult](ctx, c, &protocol.Request{Op: protocol.OpListSessions})
}

// CloseSession closes one session.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	_, err := c.Do(ctx, &protocol.Request{Op: protocol.OpCloseSession, SessionID: id})
	return err
}

// Run executes one primitive against a session.
func (c *Client) Run(ctx context.Context, sessionID string, cmd protocol.Command) (*protocol.CommandResult, error) {
	return doTyped[protocol.CommandResult](ctx, c, &protocol.Request{
		Op:        protocol.OpRunCommand,
		SessionID: sessionID,
		Command:   &cmd,
	})
}

// RunBatch executes ordered primitives with the halt-on-error policy
// unless continueOnError is set.
func (c *Client) RunBatch(ctx context.Context, sessionID string, cmds []protocol.Command, continueOnError bool) (*protocol.CommandResult, error) {
	return doTyped[protocol.CommandResult](ctx, c, &protocol.Request{
		Op:              protocol.OpRunActionBatch,
		SessionID:       sessionID,
		Actions:         cmds,
		ContinueOnError: continueOnError,
	})
}

// Wait blocks until a page condition holds or times out.
func (c *Client) Wait(ctx context.Context, sessionID string, w protocol.Wait) (*protocol.WaitResult, error) {
	return doTyped[protocol.WaitResult](ctx, c, &protocol.Request{
		Op:        protocol.OpWaitForCondition,
		SessionID: sessionID,
		Wait:      &w,
	})
}

// State takes a fresh snapshot of a session. opts may be nil.
func (c *Client) State(ctx context.Context, sessionID string, opts *protocol.StateOptions) (*snapshot.State, error) {
	return doTyped[snapshot.State](ctx, c, &protocol.Request{
		Op:        protocol.OpGetState,
		SessionID: sessionID,
		State:     opts,
	})
}

// Ping checks broker liveness and version.
func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	return doTyped[protocol.PingResult](ctx, c, &protocol.Request{Op: protocol.OpPing})
}

// Shutdown asks the broker to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, &protocol.Request{Op: protocol.OpShutdown})
	return err
}
