// Package audit records every dispatched broker operation in a SQLite
// table: what ran, against which session, the outcome, and how long it
// took. Auditing is non-blocking: a failure to persist an entry is
// logged and never propagated to the caller.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/browserd/dbopen"
	"github.com/hazyhaar/browserd/idgen"
	"github.com/hazyhaar/browserd/kit"
	"github.com/hazyhaar/browserd/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	ts            INTEGER NOT NULL,
	action        TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT '',
	transport     TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
`

// Entry is one audit record. Zero fields are filled with defaults at
// log time.
type Entry struct {
	EntryID    string
	Timestamp  int64 // unix milliseconds
	Action     string
	SessionID  string
	RequestID  string
	Transport  string
	Parameters string
	Status     string // success | error
	ErrorCode  string
	Error      string
	DurationMs int64
}

// batchSize bounds how many buffered entries one INSERT pass writes.
const batchSize = 32

// SQLiteLogger persists audit entries. LogAsync never blocks the
// request path; a background worker batches inserts.
type SQLiteLogger struct {
	db  *sql.DB
	gen idgen.Generator
	log *slog.Logger

	ch        chan *Entry
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.gen = gen }
}

// WithLogger sets the fallback logger for persistence failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.log = log }
}

// NewSQLiteLogger wraps an open database. Call Init before logging.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:   db,
		gen:  idgen.Prefixed("aud_", idgen.UUIDv7()),
		log:  slog.Default(),
		ch:   make(chan *Entry, 256),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.worker()
	return l
}

// Init creates the audit table and indexes.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log writes one entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, []*Entry{e})
}

// LogAsync queues an entry for the background worker. When the buffer
// is full the entry is dropped (auditing must not stall dispatch).
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.log.Warn("audit buffer full, entry dropped", "action", e.Action)
	}
}

// Close flushes buffered entries and stops the worker.
func (l *SQLiteLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

// Cleanup deletes entries older than the retention window.
func (l *SQLiteLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM audit_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.gen()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Transport == "" {
		e.Transport = "ipc"
	}
}

func (l *SQLiteLogger) worker() {
	defer close(l.done)
	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(context.Background(), batch); err != nil {
			l.log.Warn("audit flush failed", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}
	for e := range l.ch {
		batch = append(batch, e)
		// Drain whatever is already queued, then write one batch.
	fill:
		for len(batch) < batchSize {
			select {
			case next, ok := <-l.ch:
				if !ok {
					flush()
					return
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		flush()
	}
	flush()
}

// insert writes a batch in one transaction. A checkpoint elsewhere can
// surface SQLITE_BUSY; RunTx retries so the batch is not dropped.
func (l *SQLiteLogger) insert(ctx context.Context, entries []*Entry) error {
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_log
			(entry_id, ts, action, session_id, request_id, transport, parameters, status, error_code, error_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("audit: prepare: %w", err)
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.EntryID, e.Timestamp, e.Action,
				e.SessionID, e.RequestID, e.Transport, e.Parameters,
				e.Status, e.ErrorCode, e.Error, e.DurationMs); err != nil {
				return fmt.Errorf("audit: insert: %w", err)
			}
		}
		return nil
	})
}

// Middleware audits every request passing through the dispatch
// endpoint. It reads the operation and session from the request and the
// outcome from the response, and queues the entry without blocking.
func Middleware(l *SQLiteLogger) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, reqAny any) (any, error) {
			start := time.Now()
			out, err := next(ctx, reqAny)

			e := &Entry{
				RequestID:  kit.GetRequestID(ctx),
				Transport:  kit.GetTransport(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if req, ok := reqAny.(*protocol.Request); ok {
				e.Action = string(req.Op)
				e.SessionID = req.SessionID
			}
			if resp, ok := out.(*protocol.Response); ok && resp.Error != nil {
				e.Status = "error"
				e.ErrorCode = string(resp.Error.Code)
				e.Error = resp.Error.Message
			}
			if err != nil {
				e.Status = "error"
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return out, err
		}
	}
}
