package authn

import (
	"context"
	"testing"
	"time"

	"github.com/admp/hub/internal/store/memstore"
)

func TestIssueAndAuthenticate(t *testing.T) {
	svc := New(memstore.New())
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueInput{ClientID: "ops-console"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	k, err := svc.Authenticate(ctx, res.RawKey, "")
	if err != nil || k.KeyID != res.KeyID {
		t.Fatalf("authenticate: k=%v err=%v", k, err)
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	svc := New(memstore.New())
	ctx := context.Background()
	res, _ := svc.Issue(ctx, IssueInput{ClientID: "c"})

	if err := svc.Revoke(ctx, res.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Authenticate(ctx, res.RawKey, ""); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestSingleUseKeyConsumedAfterOneUse(t *testing.T) {
	svc := New(memstore.New())
	ctx := context.Background()
	res, _ := svc.Issue(ctx, IssueInput{ClientID: "c", SingleUse: true})

	if _, err := svc.Authenticate(ctx, res.RawKey, ""); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := svc.Authenticate(ctx, res.RawKey, ""); err != ErrConsumed {
		t.Fatalf("expected ErrConsumed, got %v", err)
	}
}

func TestTargetPinning(t *testing.T) {
	svc := New(memstore.New())
	ctx := context.Background()
	res, _ := svc.Issue(ctx, IssueInput{ClientID: "c", TargetAgentID: "agent://bob"})

	if _, err := svc.Authenticate(ctx, res.RawKey, "agent://alice"); err != ErrWrongTarget {
		t.Fatalf("expected ErrWrongTarget, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, res.RawKey, "agent://bob"); err != nil {
		t.Fatalf("expected pinned target to succeed: %v", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	svc := New(memstore.New())
	ctx := context.Background()
	res, _ := svc.Issue(ctx, IssueInput{ClientID: "c", ExpiresIn: time.Nanosecond})
	time.Sleep(time.Millisecond)

	if _, err := svc.Authenticate(ctx, res.RawKey, ""); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
