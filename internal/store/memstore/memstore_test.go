package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/admp/hub/internal/store"
)

func newMessage(id, recipient string, createdAt time.Time) *store.Message {
	return &store.Message{
		ID:        id,
		Recipient: recipient,
		Envelope:  store.Envelope{ID: id, From: "agent://alice", To: recipient, TTLSec: 86400},
		Status:    store.MessageQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateMessageIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := newMessage("m-1", "agent://bob", time.Now())

	first, created, err := s.CreateMessage(ctx, m)
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}
	second, created, err := s.CreateMessage(ctx, m)
	if err != nil || created {
		t.Fatalf("second create should be idempotent hit: %v created=%v", err, created)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id back, got %q and %q", first.ID, second.ID)
	}

	all, _ := s.ListMessages(ctx, "agent://bob", store.MessageFilter{})
	if len(all) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(all))
	}
}

func TestLeaseNextOrderingAndExclusivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m-1", "m-2", "m-3"} {
		s.CreateMessage(ctx, newMessage(id, "agent://bob", base.Add(time.Duration(i)*time.Second)))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := s.LeaseNext(ctx, "agent://bob", time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			if seen[m.ID] {
				t.Errorf("message %s leased more than once", m.ID)
			}
			seen[m.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 3 {
		t.Fatalf("expected all 3 messages leased exactly once, got %d", len(seen))
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateMessage(ctx, newMessage("m-1", "agent://bob", time.Now()))

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
	if err != nil {
		t.Fatalf("expected message to reappear after reclaim: %v", err)
	}
	if again.ID != leased.ID {
		t.Fatalf("expected same message id, got %q", again.ID)
	}
}

func TestExpireOldMessages(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := newMessage("m-1", "agent://bob", time.Now().Add(-2*time.Second))
	m.Envelope.TTLSec = 1
	s.CreateMessage(ctx, m)

	n, err := s.ExpireOldMessages(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	got, _ := s.GetMessage(ctx, "m-1")
	if got.Status != store.MessageExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}
	if _, err := s.LeaseNext(ctx, "agent://bob", time.Minute); err == nil {
		t.Fatal("expired message should not be leasable")
	}
}

func TestGroupHistoryDedup(t *testing.T) {
	s := New()
	ctx := context.Background()
	entry := &store.GroupHistoryEntry{GroupID: "group://team", GroupMessageID: "gm-1", Sender: "agent://alice", Timestamp: time.Now()}

	appended, err := s.AppendGroupHistory(ctx, entry)
	if err != nil || !appended {
		t.Fatalf("first append: appended=%v err=%v", appended, err)
	}
	appended, err = s.AppendGroupHistory(ctx, entry)
	if err != nil || appended {
		t.Fatalf("second append should be ignored: appended=%v err=%v", appended, err)
	}

	all, _ := s.ListGroupHistory(ctx, "group://team", 0, time.Time{})
	if len(all) != 1 {
		t.Fatalf("expected one history entry, got %d", len(all))
	}
}
