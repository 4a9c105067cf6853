package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/browserd/engine/enginetest"
	"github.com/hazyhaar/browserd/protocol"
)

func testRegistry(eng *enginetest.Engine) *Registry {
	return newRegistry(eng, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	eng := enginetest.New()
	reg := testRegistry(eng)
	ctx := context.Background()

	s, err := reg.Create(ctx, "s1", protocol.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s1" {
		t.Errorf("id = %q", s.ID)
	}

	got, err := reg.Get("s1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}

	if _, err := reg.Create(ctx, "s1", protocol.SessionOptions{}); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("duplicate create err = %v", err)
	}

	if err := reg.Remove("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after remove err = %v", err)
	}
	pages := eng.Pages()
	if len(pages) != 1 || !pages[0].Closed {
		t.Error("page not closed on remove")
	}
}

func TestRegistry_CreateFailureFreesID(t *testing.T) {
	eng := enginetest.New()
	eng.OpenErr = errors.New("browser gone")
	reg := testRegistry(eng)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "s1", protocol.SessionOptions{}); err == nil {
		t.Fatal("expected open error")
	}

	// The reservation is rolled back: the id can be created again.
	eng.OpenErr = nil
	if _, err := reg.Create(ctx, "s1", protocol.SessionOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_GetOrCreateDefault(t *testing.T) {
	reg := testRegistry(enginetest.New())
	ctx := context.Background()

	s1, err := reg.GetOrCreateDefault(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != protocol.DefaultSessionID {
		t.Errorf("id = %q", s1.ID)
	}
	s2, err := reg.GetOrCreateDefault(ctx)
	if err != nil || s2 != s1 {
		t.Fatalf("second call = %v, %v; want same session", s2, err)
	}
}

func TestRegistry_SweepEvictsIdle(t *testing.T) {
	reg := testRegistry(enginetest.New())
	ctx := context.Background()

	idle, _ := reg.Create(ctx, "idle", protocol.SessionOptions{})
	if _, err := reg.Create(ctx, "fresh", protocol.SessionOptions{}); err != nil {
		t.Fatal(err)
	}

	// Backdate the idle session past the TTL.
	idle.mu.Lock()
	idle.lastUsed = time.Now().Add(-time.Hour)
	idle.mu.Unlock()

	if n := reg.Sweep(10 * time.Minute); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, err := reg.Get("idle"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("idle session survived the sweep")
	}
	if _, err := reg.Get("fresh"); err != nil {
		t.Error("fresh session evicted")
	}
}

func TestRegistry_SweepNeverEvictsBusy(t *testing.T) {
	reg := testRegistry(enginetest.New())
	s, _ := reg.Create(context.Background(), "s1", protocol.SessionOptions{})

	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if !s.TryAcquire() {
		t.Fatal("acquire failed")
	}
	defer s.Release()

	if n := reg.Sweep(time.Minute); n != 0 {
		t.Fatalf("evicted = %d, want 0 (session busy)", n)
	}
	if _, err := reg.Get("s1"); err != nil {
		t.Error("busy session evicted")
	}
}

func TestRegistry_SweepHoldsFlagDuringClose(t *testing.T) {
	eng := enginetest.New()
	entered := make(chan struct{})
	finish := make(chan struct{})
	eng.NewPage = func() *enginetest.Page {
		return &enginetest.Page{CloseFn: func() {
			close(entered)
			<-finish
		}}
	}
	reg := testRegistry(eng)
	s, _ := reg.Create(context.Background(), "s1", protocol.SessionOptions{})

	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	done := make(chan int, 1)
	go func() { done <- reg.Sweep(time.Minute) }()

	<-entered
	// The page close is in flight: a caller holding a stale *Session
	// must not be able to take the flag and run a command against it.
	if s.TryAcquire() {
		t.Fatal("acquired busy flag while the page was closing")
	}
	close(finish)

	if n := <-done; n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if !s.TryAcquire() {
		t.Fatal("flag not released after sweep finished")
	}
	s.Release()
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := testRegistry(enginetest.New())
	ctx := context.Background()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if _, err := reg.Create(ctx, id, protocol.SessionOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].ID, want)
		}
	}
}

func TestSession_BusyFlag(t *testing.T) {
	reg := testRegistry(enginetest.New())
	s, _ := reg.Create(context.Background(), "s1", protocol.SessionOptions{})

	if s.Busy() {
		t.Error("new session busy")
	}
	if !s.TryAcquire() {
		t.Fatal("acquire failed")
	}
	if s.TryAcquire() {
		t.Fatal("second acquire succeeded")
	}
	if !s.Busy() {
		t.Error("held session reports not busy")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Error("acquire after release failed")
	}
	s.Release()
}

func TestSession_BusyProbeDoesNotStealFlag(t *testing.T) {
	reg := testRegistry(enginetest.New())
	s, _ := reg.Create(context.Background(), "s1", protocol.SessionOptions{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Busy()
			}
		}
	}()

	// A status probe must never make an idle session look busy.
	for range 1000 {
		if !s.TryAcquire() {
			t.Fatal("TryAcquire lost to a Busy probe")
		}
		if !s.Busy() {
			t.Fatal("held session reports not busy")
		}
		s.Release()
	}
	close(stop)
	wg.Wait()
}
