package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/refstore"
	"github.com/hazyhaar/browserd/snapshot"
)

// dispatch is the core endpoint behind the middleware chain. It never
// returns an error: every failure becomes a structured error response.
func (b *Broker) dispatch(ctx context.Context, reqAny any) (any, error) {
	req := reqAny.(*protocol.Request)
	result, err := b.handle(ctx, req)
	if err != nil {
		return protocol.ErrResponse(req.ID, wireError(err)), nil
	}
	return protocol.OkResponse(req.ID, result), nil
}

func (b *Broker) handle(ctx context.Context, req *protocol.Request) (any, error) {
	if b.shuttingDown.Load() && req.Op != protocol.OpPing && req.Op != protocol.OpShutdown {
		return nil, ErrShuttingDown
	}

	switch req.Op {
	case protocol.OpCreateSession:
		return b.handleCreateSession(ctx, req)
	case protocol.OpListSessions:
		return b.handleListSessions(ctx)
	case protocol.OpCloseSession:
		if req.SessionID == "" {
			return nil, fmt.Errorf("%w: close-session requires a session id", ErrSessionNotFound)
		}
		if err := b.reg.Remove(req.SessionID); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case protocol.OpRunCommand:
		if req.Command == nil {
			return nil, &protocol.WireError{
				Code: protocol.CodeProtocolDecode, Message: "run-command requires a command",
			}
		}
		return b.withSession(ctx, req.SessionID, func(ctx context.Context, s *Session) (any, error) {
			return b.runSteps(ctx, s, []protocol.Command{*req.Command}, false, req)
		})
	case protocol.OpRunActionBatch:
		if len(req.Actions) == 0 {
			return nil, &protocol.WireError{
				Code: protocol.CodeProtocolDecode, Message: "run-action-batch requires actions",
			}
		}
		return b.withSession(ctx, req.SessionID, func(ctx context.Context, s *Session) (any, error) {
			return b.runSteps(ctx, s, req.Actions, req.ContinueOnError, req)
		})
	case protocol.OpWaitForCondition:
		if req.Wait == nil {
			return nil, &protocol.WireError{
				Code: protocol.CodeProtocolDecode, Message: "wait-for-condition requires a condition",
			}
		}
		return b.withSession(ctx, req.SessionID, func(ctx context.Context, s *Session) (any, error) {
			return b.runWait(ctx, s, req.Wait, req)
		})
	case protocol.OpGetState:
		return b.withSession(ctx, req.SessionID, func(ctx context.Context, s *Session) (any, error) {
			return snapshot.Build(ctx, s.page, s.refs, stateOptions(req.State))
		})
	case protocol.OpPing:
		return &protocol.PingResult{
			Version:  protocol.Version,
			PID:      os.Getpid(),
			Sessions: b.reg.Len(),
		}, nil
	case protocol.OpShutdown:
		b.Shutdown()
		return struct{}{}, nil
	default:
		return nil, &protocol.WireError{
			Code:    protocol.CodeProtocolDecode,
			Message: fmt.Sprintf("unknown operation %q", req.Op),
		}
	}
}

func (b *Broker) handleCreateSession(ctx context.Context, req *protocol.Request) (any, error) {
	var opts protocol.SessionOptions
	if req.Options != nil {
		opts = *req.Options
	}
	s, err := b.reg.Create(ctx, req.SessionID, opts)
	if err != nil {
		return nil, err
	}
	return &protocol.CreateSessionResult{
		SessionID: s.ID,
		Version:   protocol.Version,
	}, nil
}

func (b *Broker) handleListSessions(ctx context.Context) (any, error) {
	sessions := b.reg.List()
	out := protocol.ListSessionsResult{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		info := protocol.SessionInfo{
			ID:              s.ID,
			Busy:            s.Busy(),
			SnapshotVersion: s.SnapshotVersion(),
			IdleMs:          s.IdleFor().Milliseconds(),
		}
		// Page metadata is best-effort: a busy page may not answer.
		infoCtx, cancel := context.WithTimeout(ctx, time.Second)
		if pi, err := s.page.Info(infoCtx); err == nil {
			info.URL = pi.URL
			info.Title = pi.Title
		}
		cancel()
		out.Sessions = append(out.Sessions, info)
	}
	return &out, nil
}

// withSession runs fn holding the session's busy flag. An empty or
// default id creates the well-known default session on first use. The
// flag is released on a guaranteed-cleanup path regardless of outcome.
func (b *Broker) withSession(ctx context.Context, id string, fn func(context.Context, *Session) (any, error)) (any, error) {
	var s *Session
	var err error
	if id == "" || id == protocol.DefaultSessionID {
		s, err = b.reg.GetOrCreateDefault(ctx)
	} else {
		s, err = b.reg.Get(id)
	}
	if err != nil {
		return nil, err
	}
	if !s.TryAcquire() {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, s.ID)
	}
	s.Touch()
	defer func() {
		s.Touch()
		s.Release()
	}()
	return fn(ctx, s)
}

// runSteps executes an ordered list of primitives. Default policy halts
// at the first failure, reporting the partial results; continueOnError
// runs everything and collects every outcome. Step failures live inside
// the result, not at the response level, so partial work is never lost.
func (b *Broker) runSteps(ctx context.Context, s *Session, cmds []protocol.Command, continueOnError bool, req *protocol.Request) (any, error) {
	out := &protocol.CommandResult{Steps: make([]protocol.StepResult, 0, len(cmds))}
	for i, cmd := range cmds {
		step := b.executeStep(ctx, s, i, cmd, req.StrictRefs)
		out.Steps = append(out.Steps, step)
		if !step.OK && !continueOnError {
			out.Halted = i < len(cmds)-1
			break
		}
		if cmd.Kind == protocol.CmdClose {
			// The page is gone; nothing later can run.
			out.Halted = i < len(cmds)-1
			break
		}
	}
	if req.IncludeState {
		if raw, err := b.marshalState(ctx, s, req.State); err == nil {
			out.State = raw
		} else {
			s.log.Warn("trailing state failed", "error", err)
		}
	}
	return out, nil
}

func (b *Broker) executeStep(ctx context.Context, s *Session, index int, cmd protocol.Command, strict bool) protocol.StepResult {
	step := protocol.StepResult{Index: index, Kind: cmd.Kind}

	err := func() error {
		switch cmd.Kind {
		case protocol.CmdNavigate:
			return s.page.Navigate(ctx, cmd.URL)

		case protocol.CmdClick:
			el, err := s.resolveRef(ctx, cmd.Ref, strict)
			if err != nil {
				return err
			}
			return el.Click(ctx)

		case protocol.CmdType:
			el, err := s.resolveRef(ctx, cmd.Ref, strict)
			if err != nil {
				return err
			}
			return el.Type(ctx, cmd.Text)

		case protocol.CmdPress:
			if cmd.Ref != "" {
				el, err := s.resolveRef(ctx, cmd.Ref, strict)
				if err != nil {
					return err
				}
				return el.Press(ctx, cmd.Key)
			}
			return s.page.Press(ctx, cmd.Key)

		case protocol.CmdScroll:
			if cmd.Ref != "" {
				el, err := s.resolveRef(ctx, cmd.Ref, strict)
				if err != nil {
					return err
				}
				return el.ScrollIntoView(ctx)
			}
			return s.page.Scroll(ctx, cmd.DeltaX, cmd.DeltaY)

		case protocol.CmdHover:
			el, err := s.resolveRef(ctx, cmd.Ref, strict)
			if err != nil {
				return err
			}
			return el.Hover(ctx)

		case protocol.CmdSelect:
			el, err := s.resolveRef(ctx, cmd.Ref, strict)
			if err != nil {
				return err
			}
			value := cmd.Value
			if value == "" {
				value = cmd.Text
			}
			return el.Select(ctx, value)

		case protocol.CmdResize:
			return s.page.SetViewport(ctx, cmd.Width, cmd.Height)

		case protocol.CmdScreenshot:
			data, err := s.page.Screenshot(ctx, cmd.FullPage)
			if err != nil {
				return err
			}
			step.Screenshot = data
			return nil

		case protocol.CmdSaveStorage:
			blob, err := s.page.StorageState(ctx)
			if err != nil {
				return err
			}
			step.StorageState = blob
			return nil

		case protocol.CmdGetLogs:
			logs, err := s.collectLogs(cmd.Channel, cmd.Limit)
			if err != nil {
				return err
			}
			step.Logs = logs
			return nil

		case protocol.CmdClearLogs:
			return s.clearLogs(cmd.Channel)

		case protocol.CmdEnableCapture:
			return s.enableCapture(cmd.Channel)

		case protocol.CmdClose:
			return b.reg.Remove(s.ID)

		default:
			return fmt.Errorf("broker: unknown command kind %q", cmd.Kind)
		}
	}()
	if err != nil {
		step.Error = actionError(err)
		return step
	}
	step.OK = true
	return step
}

// resolveRef looks up a stored reference and finds its live element.
func (s *Session) resolveRef(ctx context.Context, name string, strict bool) (engine.Element, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty reference", refstore.ErrUnresolved)
	}
	ref, ok := s.refs.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s (unknown reference, take a fresh snapshot)", refstore.ErrUnresolved, name)
	}
	r := s.resolver
	if strict {
		strictCopy := *r
		strictCopy.Strict = true
		r = &strictCopy
	}
	return r.Resolve(ctx, s.page, ref)
}

func (s *Session) collectLogs(channel string, limit int) (json.RawMessage, error) {
	switch channel {
	case "", "console":
		return json.Marshal(s.console.list(limit))
	case "network":
		return json.Marshal(s.network.list(limit))
	default:
		return nil, fmt.Errorf("broker: unknown log channel %q", channel)
	}
}

func (s *Session) clearLogs(channel string) error {
	switch channel {
	case "":
		s.console.clear()
		s.network.clear()
	case "console":
		s.console.clear()
	case "network":
		s.network.clear()
	default:
		return fmt.Errorf("broker: unknown log channel %q", channel)
	}
	return nil
}

func (s *Session) enableCapture(channel string) error {
	switch channel {
	case "", "network":
		s.captureNetwork.Store(true)
	case "console":
		// Console capture is always on.
	default:
		return fmt.Errorf("broker: unknown capture channel %q", channel)
	}
	return nil
}

// runWait polls the page until the condition holds, the timeout
// elapses, or the context is cancelled. Cancellation exits within one
// polling interval and is reported distinctly from a timeout.
func (b *Broker) runWait(ctx context.Context, s *Session, w *protocol.Wait, req *protocol.Request) (any, error) {
	timeout := b.cfg.WaitTimeout
	if w.TimeoutMs > 0 {
		timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.cfg.WaitPoll)
	defer ticker.Stop()

	for {
		ok, err := b.checkCondition(ctx, s, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrWaitCancelled, ctx.Err())
			}
			// Transient: the page may be mid-navigation.
			s.log.Debug("wait condition check failed", "condition", w.Condition, "error", err)
		}
		if ok {
			res := &protocol.WaitResult{
				Condition: w.Condition,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			if req.IncludeState {
				if raw, err := b.marshalState(ctx, s, req.State); err == nil {
					res.State = raw
				}
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrWaitCancelled, context.Cause(ctx))
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s not met within %s", ErrWaitTimeout, w.Condition, timeout)
		case <-ticker.C:
		}
	}
}

func (b *Broker) checkCondition(ctx context.Context, s *Session, w *protocol.Wait) (bool, error) {
	switch w.Condition {
	case protocol.WaitSelectorVisible:
		els, err := s.page.Query(ctx, w.Selector)
		if err != nil {
			return false, err
		}
		for _, el := range els {
			desc, err := el.Describe(ctx)
			if err != nil {
				continue
			}
			if desc.Visible {
				return true, nil
			}
		}
		return false, nil
	case protocol.WaitSelectorAbsent:
		els, err := s.page.Query(ctx, w.Selector)
		if err != nil {
			return false, err
		}
		return len(els) == 0, nil
	case protocol.WaitTextPresent:
		return s.page.HasText(ctx, w.Text)
	case protocol.WaitTextAbsent:
		found, err := s.page.HasText(ctx, w.Text)
		return !found && err == nil, err
	case protocol.WaitURLContains:
		info, err := s.page.Info(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(info.URL, w.URLSubstr), nil
	default:
		return false, &protocol.WireError{
			Code:    protocol.CodeProtocolDecode,
			Message: fmt.Sprintf("unknown wait condition %q", w.Condition),
		}
	}
}

// marshalState takes a fresh snapshot and serializes the report for
// embedding as a trailing state.
func (b *Broker) marshalState(ctx context.Context, s *Session, opts *protocol.StateOptions) (json.RawMessage, error) {
	st, err := snapshot.Build(ctx, s.page, s.refs, stateOptions(opts))
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func stateOptions(opts *protocol.StateOptions) snapshot.Options {
	if opts == nil {
		return snapshot.Options{}
	}
	return snapshot.Options{
		Head:           opts.Head,
		Tail:           opts.Tail,
		Limit:          opts.Limit,
		OutlineDepth:   opts.OutlineDepth,
		ExcludeOutline: opts.ExcludeOutline,
	}
}
