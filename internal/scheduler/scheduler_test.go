package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/admp/hub/internal/store"
	"github.com/admp/hub/internal/store/memstore"
)

func TestMarkOfflineAgents(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Now()

	st.CreateAgent(ctx, &store.Agent{
		AgentID: "agent://stale",
		Heartbeat: store.Heartbeat{
			Status:        store.HeartbeatOnline,
			LastHeartbeat: now.Add(-5 * time.Minute),
			TimeoutMS:     1000,
		},
	})

	s := New(Config{TickInterval: time.Hour, LockPath: filepath.Join(t.TempDir(), "lock")}, st)
	if err := s.markOfflineAgents(ctx, now); err != nil {
		t.Fatalf("markOfflineAgents: %v", err)
	}

	got, err := st.GetAgent(ctx, "agent://stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Heartbeat.Status != store.HeartbeatOffline {
		t.Fatalf("expected offline, got %q", got.Heartbeat.Status)
	}
}

func TestExpireStaleRoundTables(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Now()

	st.CreateRoundTable(ctx, &store.RoundTable{
		ID:        "rt-1",
		Status:    store.RoundTableOpen,
		ExpiresAt: now.Add(-time.Minute),
	})

	s := New(Config{TickInterval: time.Hour, LockPath: filepath.Join(t.TempDir(), "lock")}, st)
	if err := s.expireStaleRoundTables(ctx, now); err != nil {
		t.Fatalf("expireStaleRoundTables: %v", err)
	}

	got, err := st.GetRoundTable(ctx, "rt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.RoundTableExpired {
		t.Fatalf("expected expired, got %q", got.Status)
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	st.CreateRoundTable(ctx, &store.RoundTable{
		ID:        "rt-1",
		Status:    store.RoundTableOpen,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	lockPath := filepath.Join(t.TempDir(), "lock")
	s := New(Config{TickInterval: time.Hour, LockPath: lockPath}, st)

	held := NewFileLock(lockPath)
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("setup lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	s.tick(ctx, time.Now())

	got, err := st.GetRoundTable(ctx, "rt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.RoundTableOpen {
		t.Fatalf("expected sweeps skipped while the lock is held, got status %q", got.Status)
	}
}
