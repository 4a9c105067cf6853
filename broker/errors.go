package broker

import (
	"context"
	"errors"

	"github.com/hazyhaar/browserd/protocol"
	"github.com/hazyhaar/browserd/refstore"
)

// Sentinel errors of the broker core. Handlers return these (wrapped);
// the dispatch boundary maps them to wire codes.
var (
	ErrSessionNotFound  = errors.New("broker: session not found")
	ErrSessionBusy      = errors.New("broker: session busy")
	ErrDuplicateSession = errors.New("broker: duplicate session id")
	ErrShuttingDown     = errors.New("broker: shutting down")
	ErrWaitTimeout      = errors.New("broker: wait timeout")
	ErrWaitCancelled    = errors.New("broker: wait cancelled")
)

// wireError converts any handler error into the structured form sent to
// the caller. Unrecognized errors become INTERNAL without leaking
// internals beyond the message.
func wireError(err error) *protocol.WireError {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return &protocol.WireError{Code: protocol.CodeSessionNotFound, Message: msg, Retryable: true}
	case errors.Is(err, ErrSessionBusy):
		return &protocol.WireError{Code: protocol.CodeSessionBusy, Message: msg, Retryable: true}
	case errors.Is(err, ErrDuplicateSession):
		return &protocol.WireError{Code: protocol.CodeDuplicateSession, Message: msg}
	case errors.Is(err, ErrShuttingDown):
		return &protocol.WireError{Code: protocol.CodeShuttingDown, Message: msg, Retryable: true}
	case errors.Is(err, ErrWaitTimeout):
		return &protocol.WireError{Code: protocol.CodeWaitTimeout, Message: msg, Retryable: true}
	case errors.Is(err, ErrWaitCancelled), errors.Is(err, context.Canceled):
		return &protocol.WireError{Code: protocol.CodeWaitCancelled, Message: msg}
	case errors.Is(err, refstore.ErrUnresolved):
		return &protocol.WireError{Code: protocol.CodeReferenceUnresolved, Message: msg, Retryable: true}
	case errors.Is(err, protocol.ErrDecode):
		return &protocol.WireError{Code: protocol.CodeProtocolDecode, Message: msg}
	default:
		var we *protocol.WireError
		if errors.As(err, &we) {
			return we
		}
		return &protocol.WireError{Code: protocol.CodeInternal, Message: msg}
	}
}

// actionError wraps a step failure so it reaches the caller as
// ACTION_FAILED unless a more specific sentinel applies.
func actionError(err error) *protocol.WireError {
	we := wireError(err)
	if we.Code == protocol.CodeInternal {
		we.Code = protocol.CodeActionFailed
	}
	return we
}
