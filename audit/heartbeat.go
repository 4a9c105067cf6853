package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/browserd/dbopen"
)

const heartbeatSchema = `
CREATE TABLE IF NOT EXISTS daemon_heartbeats (
	hostname        TEXT NOT NULL,
	pid             INTEGER NOT NULL,
	ts              INTEGER NOT NULL,
	sessions        INTEGER NOT NULL,
	goroutines      INTEGER NOT NULL,
	memory_alloc_mb REAL NOT NULL,
	memory_sys_mb   REAL NOT NULL,
	gc_count        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heartbeat_ts ON daemon_heartbeats(ts);
`

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int
	MemoryAllocMB float64
	MemorySysMB   float64
	GCCount       uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// Heartbeat writes periodic liveness rows to daemon_heartbeats so
// operators can tell a hung daemon from a dead one. Sessions is polled
// each beat through the provided counter.
type Heartbeat struct {
	db       *sql.DB
	hostname string
	pid      int
	interval time.Duration
	sessions func() int
	log      *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a writer. A 15s interval is a good default.
func NewHeartbeat(db *sql.DB, interval time.Duration, sessions func() int, log *slog.Logger) *Heartbeat {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &Heartbeat{
		db:       db,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		sessions: sessions,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Init creates the heartbeat table.
func (h *Heartbeat) Init(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, heartbeatSchema); err != nil {
		return fmt.Errorf("audit: init heartbeat schema: %w", err)
	}
	return nil
}

// Start launches the heartbeat goroutine. It beats once immediately,
// then at the configured interval until Stop or context cancellation.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.loop(ctx)
}

// Beat writes a single row with current runtime metrics.
func (h *Heartbeat) Beat() error {
	m := CollectRuntimeMetrics()
	_, err := dbopen.Exec(context.Background(), h.db, `
		INSERT INTO daemon_heartbeats (
			hostname, pid, ts, sessions,
			goroutines, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		h.hostname, h.pid, time.Now().Unix(), h.sessions(),
		m.Goroutines, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("audit: insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.Beat(); err != nil {
		h.log.Error("heartbeat write failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.Beat(); err != nil {
				h.log.Error("heartbeat write failed", "error", err)
			}
		}
	}
}

// HeartbeatStatus is the latest recorded beat, enriched with a staleness
// check so callers need not compute it themselves.
type HeartbeatStatus struct {
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Timestamp     time.Time      `json:"timestamp"`
	Sessions      int            `json:"sessions"`
	Goroutines    int            `json:"goroutines"`
	MemoryAllocMB float64        `json:"memory_alloc_mb"`
	MemorySysMB   float64        `json:"memory_sys_mb"`
	GCCount       int            `json:"gc_count"`
	Alive         bool           `json:"alive"`
	StaleSince    *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent beat, or nil when none has
// been recorded. staleness controls the alive boundary (typically three
// times the beat interval).
func LatestHeartbeat(ctx context.Context, db *sql.DB, staleness time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT hostname, pid, ts, sessions,
		       goroutines, memory_alloc_mb, memory_sys_mb, gc_count
		FROM daemon_heartbeats
		ORDER BY ts DESC LIMIT 1`)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.Hostname, &hs.PID, &ts, &hs.Sessions,
		&hs.Goroutines, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	age := time.Since(hs.Timestamp)
	if age <= staleness {
		hs.Alive = true
	} else {
		stale := age - staleness
		hs.StaleSince = &stale
	}
	return &hs, nil
}

// CleanupHeartbeats deletes beats older than the retention window and
// reports how many rows went.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := dbopen.Exec(ctx, db, "DELETE FROM daemon_heartbeats WHERE ts < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup heartbeats: %w", err)
	}
	return result.RowsAffected()
}
