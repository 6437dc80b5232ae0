package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/admp/hub/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admp.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := &store.Agent{AgentID: "agent://alice", RegistrationStatus: store.RegistrationApproved, CreatedAt: time.Now()}

	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAgent(ctx, a); err == nil {
		t.Fatal("expected conflict on duplicate agent id")
	}

	got, err := s.GetAgent(ctx, "agent://alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentID != a.AgentID {
		t.Fatalf("got %q, want %q", got.AgentID, a.AgentID)
	}
}

func TestCreateMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := &store.Message{ID: "m-1", Recipient: "agent://bob", Status: store.MessageQueued, CreatedAt: time.Now()}

	_, created, err := s.CreateMessage(ctx, m)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	_, created, err = s.CreateMessage(ctx, m)
	if err != nil || created {
		t.Fatalf("second create should be idempotent: created=%v err=%v", created, err)
	}
}

func TestLeaseNextAndReclaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateMessage(ctx, &store.Message{ID: "m-1", Recipient: "agent://bob", Status: store.MessageQueued, CreatedAt: time.Now()})

	leased, err := s.LeaseNext(ctx, "agent://bob", time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := s.ReclaimExpiredLeases(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	again, err := s.LeaseNext(ctx, "agent://bob", time.Minute)
	if err != nil || again.ID != leased.ID {
		t.Fatalf("expected reclaimed message to reappear: %v", err)
	}
}

func TestGroupHistoryDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := &store.GroupHistoryEntry{GroupID: "group://team", GroupMessageID: "gm-1", Timestamp: time.Now()}

	appended, err := s.AppendGroupHistory(ctx, e)
	if err != nil || !appended {
		t.Fatalf("first append: appended=%v err=%v", appended, err)
	}
	appended, err = s.AppendGroupHistory(ctx, e)
	if err != nil || appended {
		t.Fatalf("second append should dedupe: appended=%v err=%v", appended, err)
	}

	list, err := s.ListGroupHistory(ctx, "group://team", 0, time.Time{})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: len=%d err=%v", len(list), err)
	}
}
