package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestHeartbeat_BeatAndLatest(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sessions := 3
	h := NewHeartbeat(db, time.Minute, func() int { return sessions },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Beat(); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(ctx, db, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil {
		t.Fatal("no heartbeat recorded")
	}
	if hs.Sessions != 3 {
		t.Errorf("sessions = %d, want 3", hs.Sessions)
	}
	if hs.PID <= 0 || hs.Goroutines <= 0 {
		t.Errorf("metrics = %+v", hs)
	}
	if !hs.Alive {
		t.Error("fresh heartbeat reported stale")
	}
}

func TestHeartbeat_LatestEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := NewHeartbeat(db, time.Minute, nil, nil)
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(ctx, db, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs != nil {
		t.Fatalf("hs = %+v, want nil", hs)
	}
}

func TestHeartbeat_Staleness(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := NewHeartbeat(db, time.Minute, nil, nil)
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}

	// Backdated beat, two minutes old.
	old := time.Now().Add(-2 * time.Minute).Unix()
	if _, err := db.Exec(`INSERT INTO daemon_heartbeats
		(hostname, pid, ts, sessions, goroutines, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('host', 1, ?, 0, 1, 1.0, 1.0, 0)`, old); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(ctx, db, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hs.Alive {
		t.Error("two-minute-old beat reported alive")
	}
	if hs.StaleSince == nil || *hs.StaleSince <= 0 {
		t.Error("stale duration not reported")
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := NewHeartbeat(db, 10*time.Millisecond, nil, nil)
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}

	h.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	h.Stop()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM daemon_heartbeats").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Errorf("beats = %d, want at least the immediate one plus ticks", n)
	}
}

func TestCleanupHeartbeats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := NewHeartbeat(db, time.Minute, nil, nil)
	if err := h.Init(ctx); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := db.Exec(`INSERT INTO daemon_heartbeats
		(hostname, pid, ts, sessions, goroutines, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('host', 1, ?, 0, 1, 1.0, 1.0, 0)`, old); err != nil {
		t.Fatal(err)
	}
	if err := h.Beat(); err != nil {
		t.Fatal(err)
	}

	n, err := CleanupHeartbeats(ctx, db, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
