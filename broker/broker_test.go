package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/browserd/engine"
	"github.com/hazyhaar/browserd/engine/enginetest"
	"github.com/hazyhaar/browserd/kit"
	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/snapshot"
)

// loginPayload is a canned collector result with one button and one
// text input.
const loginPayload = `{
	"url": "https://example.test/login",
	"title": "Sign in",
	"elements": [
		{"tag": "input", "type": "text", "name": "user",
		 "path": "html > body > form:nth-of-type(1) > input:nth-of-type(1)"},
		{"tag": "button", "name": "Sign in",
		 "path": "html > body > form:nth-of-type(1) > button:nth-of-type(1)"}
	],
	"outline": [],
	"scroll": {"above": 0, "below": 0, "total": 600, "viewport": 600}
}`

func testBroker(t *testing.T, eng *enginetest.Engine) *Broker {
	t.Helper()
	return New(Config{
		Socket:      filepath.Join(t.TempDir(), "browserd.sock"),
		WaitPoll:    10 * time.Millisecond,
		WaitTimeout: 300 * time.Millisecond,
		LogRingSize: 16,
	}, eng, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func do(t *testing.T, b *Broker, req *protocol.Request) *protocol.Response {
	t.Helper()
	if req.ID == "" {
		req.ID = "tok-test"
	}
	resp := b.serveRequest(context.Background(), req)
	if resp.ID != req.ID {
		t.Fatalf("correlation token: got %q, want %q", resp.ID, req.ID)
	}
	return resp
}

func mustOK(t *testing.T, resp *protocol.Response) {
	t.Helper()
	if !resp.OK {
		t.Fatalf("response not ok: %+v", resp.Error)
	}
}

func decodeResult[T any](t *testing.T, resp *protocol.Response) *T {
	t.Helper()
	mustOK(t, resp)
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return &out
}

func consoleEntry(level, text string) engine.ConsoleEntry {
	return engine.ConsoleEntry{Level: level, Text: text, At: time.Now()}
}

func networkEntry(method, url string, status int) engine.NetworkEntry {
	return engine.NetworkEntry{Method: method, URL: url, Status: status, At: time.Now()}
}

func TestCreateSession_DuplicateAndReuse(t *testing.T) {
	b := testBroker(t, enginetest.New())

	resp := do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"})
	res := decodeResult[protocol.CreateSessionResult](t, resp)
	if res.SessionID != "s1" {
		t.Fatalf("session id = %q, want s1", res.SessionID)
	}
	if res.Version != protocol.Version {
		t.Errorf("version = %q, want %q", res.Version, protocol.Version)
	}

	resp = do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"})
	if resp.OK || resp.Error.Code != protocol.CodeDuplicateSession {
		t.Fatalf("second create = %+v, want DUPLICATE_SESSION", resp)
	}

	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCloseSession, SessionID: "s1"}))

	// The id is free again after close.
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))
}

func TestCreateSession_AllocatesName(t *testing.T) {
	b := testBroker(t, enginetest.New())
	resp := do(t, b, &protocol.Request{Op: protocol.OpCreateSession})
	res := decodeResult[protocol.CreateSessionResult](t, resp)
	if res.SessionID == "" {
		t.Fatal("empty allocated session id")
	}
}

func TestCloseSession_NotFound(t *testing.T) {
	b := testBroker(t, enginetest.New())
	resp := do(t, b, &protocol.Request{Op: protocol.OpCloseSession, SessionID: "ghost"})
	if resp.OK || resp.Error.Code != protocol.CodeSessionNotFound {
		t.Fatalf("resp = %+v, want SESSION_NOT_FOUND", resp)
	}
	if !resp.Error.Retryable {
		t.Error("SESSION_NOT_FOUND should be retryable")
	}
}

func TestRunCommand_ImplicitDefaultSession(t *testing.T) {
	eng := enginetest.New()
	b := testBroker(t, eng)

	resp := do(t, b, &protocol.Request{
		Op:      protocol.OpRunCommand,
		Command: &protocol.Command{Kind: protocol.CmdNavigate, URL: "https://example.test"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	if len(res.Steps) != 1 || !res.Steps[0].OK {
		t.Fatalf("steps = %+v", res.Steps)
	}

	if _, err := b.Registry().Get(protocol.DefaultSessionID); err != nil {
		t.Fatalf("default session not created: %v", err)
	}
	pages := eng.Pages()
	if len(pages) != 1 || len(pages[0].Navigations) != 1 {
		t.Fatalf("pages = %d", len(pages))
	}
	if pages[0].Navigations[0] != "https://example.test" {
		t.Errorf("navigated to %q", pages[0].Navigations[0])
	}
}

func TestSnapshotThenClick(t *testing.T) {
	eng := enginetest.New()
	button := &enginetest.Element{}
	eng.NewPage = func() *enginetest.Page {
		p := &enginetest.Page{SnapshotJSON: json.RawMessage(loginPayload)}
		p.SetSelector("html > body > form:nth-of-type(1) > button:nth-of-type(1)", button)
		return p
	}
	b := testBroker(t, eng)

	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{Op: protocol.OpGetState, SessionID: "s1"})
	st := decodeResult[snapshot.State](t, resp)
	if st.SnapshotVersion != 1 {
		t.Fatalf("snapshot version = %d, want 1", st.SnapshotVersion)
	}
	if len(st.Elements) != 2 || st.Elements[1].Ref != "button_0" {
		t.Fatalf("elements = %+v", st.Elements)
	}

	resp = do(t, b, &protocol.Request{
		Op:        protocol.OpRunCommand,
		SessionID: "s1",
		Command:   &protocol.Command{Kind: protocol.CmdClick, Ref: "button_0"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	if !res.Steps[0].OK {
		t.Fatalf("click step failed: %+v", res.Steps[0].Error)
	}
	if button.Clicks != 1 {
		t.Fatalf("button clicks = %d, want 1", button.Clicks)
	}
}

func TestRunCommand_UnknownRef(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{
		Op:        protocol.OpRunCommand,
		SessionID: "s1",
		Command:   &protocol.Command{Kind: protocol.CmdClick, Ref: "button_9"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	step := res.Steps[0]
	if step.OK || step.Error.Code != protocol.CodeReferenceUnresolved {
		t.Fatalf("step = %+v, want REFERENCE_UNRESOLVED", step)
	}
}

func TestBatch_HaltsOnError(t *testing.T) {
	eng := enginetest.New()
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{
		Op:        protocol.OpRunActionBatch,
		SessionID: "s1",
		Actions: []protocol.Command{
			{Kind: protocol.CmdNavigate, URL: "https://one.test"},
			{Kind: protocol.CmdClick, Ref: "button_0"}, // no snapshot yet: fails
			{Kind: protocol.CmdNavigate, URL: "https://never.test"},
		},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2 (halted)", len(res.Steps))
	}
	if !res.Halted {
		t.Error("Halted not set")
	}
	if navs := eng.Pages()[0].Navigations; len(navs) != 1 {
		t.Errorf("navigations = %v, want just the first", navs)
	}
}

func TestBatch_ContinueOnError(t *testing.T) {
	eng := enginetest.New()
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{
		Op:              protocol.OpRunActionBatch,
		SessionID:       "s1",
		ContinueOnError: true,
		Actions: []protocol.Command{
			{Kind: protocol.CmdClick, Ref: "button_0"},
			{Kind: protocol.CmdNavigate, URL: "https://two.test"},
		},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}
	if res.Steps[0].OK || !res.Steps[1].OK {
		t.Fatalf("steps = %+v", res.Steps)
	}
	if res.Halted {
		t.Error("Halted set on continue-on-error batch")
	}
}

func TestSessionBusy(t *testing.T) {
	eng := enginetest.New()
	eng.NewPage = func() *enginetest.Page {
		return &enginetest.Page{OpDelay: 200 * time.Millisecond}
	}
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	started := make(chan struct{})
	done := make(chan *protocol.Response, 1)
	go func() {
		close(started)
		done <- b.serveRequest(context.Background(), &protocol.Request{
			Op: protocol.OpRunCommand, ID: "slow", SessionID: "s1",
			Command: &protocol.Command{Kind: protocol.CmdNavigate, URL: "https://slow.test"},
		})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	resp := do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdNavigate, URL: "https://second.test"},
	})
	if resp.OK || resp.Error.Code != protocol.CodeSessionBusy {
		t.Fatalf("concurrent request = %+v, want SESSION_BUSY", resp)
	}
	if !resp.Error.Retryable {
		t.Error("SESSION_BUSY should be retryable")
	}

	first := <-done
	if !first.OK {
		t.Fatalf("first request failed: %+v", first.Error)
	}

	// The flag released: the session accepts commands again.
	mustOK(t, do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdNavigate, URL: "https://third.test"},
	}))
}

func TestParallelSessions(t *testing.T) {
	eng := enginetest.New()
	eng.NewPage = func() *enginetest.Page {
		return &enginetest.Page{OpDelay: 100 * time.Millisecond}
	}
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "a"}))
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "b"}))

	start := time.Now()
	done := make(chan *protocol.Response, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			done <- b.serveRequest(context.Background(), &protocol.Request{
				Op: protocol.OpRunCommand, ID: "tok-" + id, SessionID: id,
				Command: &protocol.Command{Kind: protocol.CmdNavigate, URL: "https://x.test"},
			})
		}(id)
	}
	for range 2 {
		if resp := <-done; !resp.OK {
			t.Fatalf("parallel request failed: %+v", resp.Error)
		}
	}
	// Two 100ms operations on different sessions overlap.
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("parallel sessions took %s, expected overlap", elapsed)
	}
}

func TestWait_Timeout(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	start := time.Now()
	resp := do(t, b, &protocol.Request{
		Op: protocol.OpWaitForCondition, SessionID: "s1",
		Wait: &protocol.Wait{
			Condition: protocol.WaitTextPresent,
			Text:      "never appears",
			TimeoutMs: 100,
		},
	})
	elapsed := time.Since(start)
	if resp.OK || resp.Error.Code != protocol.CodeWaitTimeout {
		t.Fatalf("resp = %+v, want WAIT_TIMEOUT", resp)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("returned after %s, more than one interval past the timeout", elapsed)
	}
}

func TestWait_CancelledDistinctFromTimeout(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	resp := b.serveRequest(ctx, &protocol.Request{
		Op: protocol.OpWaitForCondition, ID: "tok-w", SessionID: "s1",
		Wait: &protocol.Wait{
			Condition: protocol.WaitTextPresent,
			Text:      "never appears",
			TimeoutMs: 5000,
		},
	})
	if resp.OK || resp.Error.Code != protocol.CodeWaitCancelled {
		t.Fatalf("resp = %+v, want WAIT_CANCELLED", resp)
	}
}

func TestWait_ConditionBecomesTrue(t *testing.T) {
	eng := enginetest.New()
	page := &enginetest.Page{}
	eng.NewPage = func() *enginetest.Page { return page }
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		page.Navigate(context.Background(), "https://example.test/done")
	}()
	resp := do(t, b, &protocol.Request{
		Op: protocol.OpWaitForCondition, SessionID: "s1",
		Wait: &protocol.Wait{
			Condition: protocol.WaitURLContains,
			URLSubstr: "/done",
			TimeoutMs: 1000,
		},
	})
	res := decodeResult[protocol.WaitResult](t, resp)
	if res.Condition != protocol.WaitURLContains {
		t.Errorf("condition = %q", res.Condition)
	}
}

func TestGetLogsAndClear(t *testing.T) {
	eng := enginetest.New()
	page := &enginetest.Page{}
	eng.NewPage = func() *enginetest.Page { return page }
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	page.EmitConsole(consoleEntry("error", "boom"))
	page.EmitConsole(consoleEntry("log", "hello"))

	resp := do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdGetLogs, Channel: "console"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	var entries []map[string]any
	if err := json.Unmarshal(res.Steps[0].Logs, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	mustOK(t, do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdClearLogs},
	}))
	resp = do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdGetLogs, Channel: "console"},
	})
	res = decodeResult[protocol.CommandResult](t, resp)
	entries = nil
	json.Unmarshal(res.Steps[0].Logs, &entries)
	if len(entries) != 0 {
		t.Fatalf("entries after clear = %d, want 0", len(entries))
	}
}

func TestNetworkCaptureOptIn(t *testing.T) {
	eng := enginetest.New()
	page := &enginetest.Page{}
	eng.NewPage = func() *enginetest.Page { return page }
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	page.EmitNetwork(networkEntry("GET", "https://a.test", 200))

	mustOK(t, do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdEnableCapture, Channel: "network"},
	}))
	page.EmitNetwork(networkEntry("GET", "https://b.test", 404))

	resp := do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdGetLogs, Channel: "network"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	var entries []map[string]any
	if err := json.Unmarshal(res.Steps[0].Logs, &entries); err != nil {
		t.Fatal(err)
	}
	// Only the entry emitted after enable-capture is buffered.
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0]["url"] != "https://b.test" {
		t.Errorf("url = %v", entries[0]["url"])
	}
}

func TestDispatch_ContextCarriesTransportAndRequestID(t *testing.T) {
	var gotTransport, gotRequestID any
	capture := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			// Read the raw keys: GetTransport falls back to "ipc", which
			// would mask a missing value.
			gotTransport = ctx.Value(kit.TransportKey)
			gotRequestID = ctx.Value(kit.RequestIDKey)
			return next(ctx, req)
		}
	}

	b := New(Config{
		Socket: filepath.Join(t.TempDir(), "browserd.sock"),
	}, enginetest.New(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMiddleware(capture))

	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpPing}))
	if gotTransport != "ipc" {
		t.Errorf("transport = %v, want ipc set explicitly", gotTransport)
	}
	if id, ok := gotRequestID.(string); !ok || id == "" {
		t.Errorf("request id = %v, want non-empty", gotRequestID)
	}
}

func TestPing(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{Op: protocol.OpPing})
	res := decodeResult[protocol.PingResult](t, resp)
	if res.Version != protocol.Version {
		t.Errorf("version = %q", res.Version)
	}
	if res.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", res.Sessions)
	}
	if res.PID <= 0 {
		t.Errorf("pid = %d", res.PID)
	}
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpShutdown}))

	resp := do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"})
	if resp.OK || resp.Error.Code != protocol.CodeShuttingDown {
		t.Fatalf("resp = %+v, want SHUTTING_DOWN", resp)
	}
	// Ping still answers during shutdown.
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpPing}))
}

func TestCloseCommand_RemovesSession(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))

	resp := do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdClose},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	if !res.Steps[0].OK {
		t.Fatalf("close step failed: %+v", res.Steps[0].Error)
	}
	if _, err := b.Registry().Get("s1"); err == nil {
		t.Fatal("session still registered after close command")
	}
}

func TestListSessions(t *testing.T) {
	b := testBroker(t, enginetest.New())
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "beta"}))
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "alpha"}))

	resp := do(t, b, &protocol.Request{Op: protocol.OpListSessions})
	res := decodeResult[protocol.ListSessionsResult](t, resp)
	if len(res.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(res.Sessions))
	}
	if res.Sessions[0].ID != "alpha" || res.Sessions[1].ID != "beta" {
		t.Errorf("order = %s, %s; want alpha, beta", res.Sessions[0].ID, res.Sessions[1].ID)
	}
}

func TestStaleRef_ResolutionAfterDOMChange(t *testing.T) {
	eng := enginetest.New()
	page := &enginetest.Page{SnapshotJSON: json.RawMessage(loginPayload)}
	button := &enginetest.Element{}
	page.SetSelector("html > body > form:nth-of-type(1) > button:nth-of-type(1)", button)
	eng.NewPage = func() *enginetest.Page { return page }
	b := testBroker(t, eng)
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpCreateSession, SessionID: "s1"}))
	mustOK(t, do(t, b, &protocol.Request{Op: protocol.OpGetState, SessionID: "s1"}))

	// The button disappears from the page.
	page.SetSelector("html > body > form:nth-of-type(1) > button:nth-of-type(1)")

	resp := do(t, b, &protocol.Request{
		Op: protocol.OpRunCommand, SessionID: "s1",
		Command: &protocol.Command{Kind: protocol.CmdClick, Ref: "button_0"},
	})
	res := decodeResult[protocol.CommandResult](t, resp)
	step := res.Steps[0]
	if step.OK || step.Error.Code != protocol.CodeReferenceUnresolved {
		t.Fatalf("step = %+v, want REFERENCE_UNRESOLVED", step)
	}
	if button.Clicks != 0 {
		t.Error("removed element was clicked")
	}
}
