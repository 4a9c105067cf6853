// Package protocol defines the wire contract between browserd and its
// callers: newline-delimited JSON requests and responses over a local
// socket. Field names and operation discriminants are stable across minor
// versions; decoders ignore unknown fields so older callers keep working
// against newer daemons.
package protocol

import "encoding/json"

// Version is the protocol version stamp. It is published in the runfile
// at startup and echoed in ping responses so callers can detect skew
// between a running daemon and their own build.
const Version = "3"

// Op discriminates request operations.
type Op string

const (
	OpCreateSession    Op = "create-session"
	OpListSessions     Op = "list-sessions"
	OpCloseSession     Op = "close-session"
	OpRunCommand       Op = "run-command"
	OpRunActionBatch   Op = "run-action-batch"
	OpWaitForCondition Op = "wait-for-condition"
	OpGetState         Op = "get-state"
	OpPing             Op = "ping"
	OpShutdown         Op = "shutdown"
)

// DefaultSessionID is the well-known session created implicitly when a
// request targets it and it does not exist yet.
const DefaultSessionID = "default"

// CommandKind discriminates the primitives of run-command and batch steps.
type CommandKind string

const (
	CmdNavigate      CommandKind = "navigate"
	CmdClick         CommandKind = "click"
	CmdType          CommandKind = "type"
	CmdPress         CommandKind = "press"
	CmdScroll        CommandKind = "scroll"
	CmdHover         CommandKind = "hover"
	CmdSelect        CommandKind = "select"
	CmdResize        CommandKind = "resize"
	CmdScreenshot    CommandKind = "screenshot"
	CmdSaveStorage   CommandKind = "save-storage"
	CmdGetLogs       CommandKind = "get-logs"
	CmdClearLogs     CommandKind = "clear-logs"
	CmdEnableCapture CommandKind = "enable-capture"
	CmdClose         CommandKind = "close"
)

// Command is one primitive. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind `json:"kind"`

	// navigate
	URL string `json:"url,omitempty"`

	// element-addressed primitives (click/type/hover/select/scroll-into):
	// Ref addresses an element from the session's latest snapshot.
	Ref string `json:"ref,omitempty"`

	// type / select
	Text  string `json:"text,omitempty"`
	Value string `json:"value,omitempty"`

	// press
	Key string `json:"key,omitempty"`

	// scroll (page-level when Ref is empty)
	DeltaX int `json:"delta_x,omitempty"`
	DeltaY int `json:"delta_y,omitempty"`

	// resize
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// screenshot
	FullPage bool `json:"full_page,omitempty"`

	// get-logs / clear-logs / enable-capture: "console" or "network"
	Channel string `json:"channel,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// WaitCondition discriminates wait-for-condition predicates.
type WaitCondition string

const (
	WaitSelectorVisible WaitCondition = "selector-visible"
	WaitSelectorAbsent  WaitCondition = "selector-absent"
	WaitTextPresent     WaitCondition = "text-present"
	WaitTextAbsent      WaitCondition = "text-absent"
	WaitURLContains     WaitCondition = "url-contains"
)

// Wait describes a wait-for-condition request.
type Wait struct {
	Condition WaitCondition `json:"condition"`
	Selector  string        `json:"selector,omitempty"`
	Text      string        `json:"text,omitempty"`
	URLSubstr string        `json:"url_substr,omitempty"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
}

// StateOptions shape the element/outline report of get-state and of the
// optional trailing state appended to commands, batches, and waits.
type StateOptions struct {
	Head           int  `json:"head,omitempty"`
	Tail           int  `json:"tail,omitempty"`
	Limit          int  `json:"limit,omitempty"`
	OutlineDepth   int  `json:"outline_depth,omitempty"`
	ExcludeOutline bool `json:"exclude_outline,omitempty"`
}

// SessionOptions configure create-session. StorageState is an opaque
// cookie/storage blob passed through to the engine unchanged.
type SessionOptions struct {
	ViewportWidth  int             `json:"viewport_width,omitempty"`
	ViewportHeight int             `json:"viewport_height,omitempty"`
	StorageState   json.RawMessage `json:"storage_state,omitempty"`
}

// Request is one framed request. ID is the caller's correlation token;
// every response echoes it.
type Request struct {
	Op        Op     `json:"op"`
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`

	Options *SessionOptions `json:"options,omitempty"`

	Command *Command  `json:"command,omitempty"`
	Actions []Command `json:"actions,omitempty"`

	// ContinueOnError switches a batch from halt-at-first-failure to
	// run-everything-and-collect.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	Wait *Wait `json:"wait,omitempty"`

	// IncludeState appends a fresh snapshot report to the result.
	IncludeState bool          `json:"include_state,omitempty"`
	State        *StateOptions `json:"state,omitempty"`

	// StrictRefs disables the first-candidate resolution fallback for
	// element-addressed primitives in this request.
	StrictRefs bool `json:"strict_refs,omitempty"`
}

// ErrorCode classifies failures on the wire.
type ErrorCode string

const (
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionBusy         ErrorCode = "SESSION_BUSY"
	CodeDuplicateSession    ErrorCode = "DUPLICATE_SESSION"
	CodeReferenceUnresolved ErrorCode = "REFERENCE_UNRESOLVED"
	CodeWaitTimeout         ErrorCode = "WAIT_TIMEOUT"
	CodeWaitCancelled       ErrorCode = "WAIT_CANCELLED"
	CodeActionFailed        ErrorCode = "ACTION_FAILED"
	CodeProtocolDecode      ErrorCode = "PROTOCOL_DECODE_ERROR"
	CodeVersionMismatch     ErrorCode = "VERSION_MISMATCH"
	CodeShuttingDown        ErrorCode = "SHUTTING_DOWN"
	CodeInternal            ErrorCode = "INTERNAL"
)

// WireError is the structured error of a failed response.
type WireError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func (e *WireError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Response is one framed response. Exactly one of Result/Error is set
// when OK is true/false respectively.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// --- Result payloads (marshalled into Response.Result) ---

// SessionInfo is one entry of list-sessions.
type SessionInfo struct {
	ID              string `json:"id"`
	URL             string `json:"url,omitempty"`
	Title           string `json:"title,omitempty"`
	Busy            bool   `json:"busy"`
	SnapshotVersion int64  `json:"snapshot_version"`
	IdleMs          int64  `json:"idle_ms"`
}

// CreateSessionResult answers create-session.
type CreateSessionResult struct {
	SessionID string `json:"session_id"`
	Version   string `json:"version"`
}

// ListSessionsResult answers list-sessions.
type ListSessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// PingResult answers ping.
type PingResult struct {
	Version  string `json:"version"`
	PID      int    `json:"pid"`
	Sessions int    `json:"sessions"`
}

// StepResult is the outcome of one primitive inside a command or batch.
type StepResult struct {
	Index  int         `json:"index"`
	Kind   CommandKind `json:"kind"`
	OK     bool        `json:"ok"`
	Error  *WireError  `json:"error,omitempty"`
	Detail string      `json:"detail,omitempty"`

	// screenshot: base64 PNG. save-storage: opaque storage blob.
	// get-logs: captured entries.
	Screenshot   []byte          `json:"screenshot,omitempty"`
	StorageState json.RawMessage `json:"storage_state,omitempty"`
	Logs         json.RawMessage `json:"logs,omitempty"`
}

// CommandResult answers run-command and run-action-batch. Halted is true
// when a halt-on-error batch stopped before its last step. State carries
// the optional trailing snapshot report.
type CommandResult struct {
	Steps  []StepResult    `json:"steps"`
	Halted bool            `json:"halted,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

// WaitResult answers wait-for-condition.
type WaitResult struct {
	Condition WaitCondition   `json:"condition"`
	ElapsedMs int64           `json:"elapsed_ms"`
	State     json.RawMessage `json:"state,omitempty"`
}
