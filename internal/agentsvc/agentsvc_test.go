package agentsvc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/admp/hub/internal/store"
	"github.com/admp/hub/internal/store/memstore"
)

func TestRegisterLegacyThenDuplicateFails(t *testing.T) {
	svc := New(memstore.New(), nil)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(res.PrivateKey) == 0 {
		t.Fatal("expected private key for legacy mode")
	}

	_, err = svc.Register(ctx, RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://alice"})
	if err != ErrAgentExists {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
}

func TestRegisterRejectsUnsafeAgentID(t *testing.T) {
	svc := New(memstore.New(), nil)
	_, err := svc.Register(context.Background(), RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://has\nnewline"})
	if !errors.Is(err, ErrInvalidAgentID) {
		t.Fatalf("expected ErrInvalidAgentID, got %v", err)
	}
}

func TestRegisterSeedRequiresTenant(t *testing.T) {
	svc := New(memstore.New(), nil)
	_, err := svc.Register(context.Background(), RegisterInput{Mode: store.RegistrationSeed, AgentID: "agent://bob", Seed: []byte("seedbytes")})
	if err != ErrMissingTenant {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestRegisterSeedDeterministic(t *testing.T) {
	seed := []byte("a-fixed-master-seed-value-123456")
	mk := func() *store.Agent {
		svc := New(memstore.New(), nil)
		res, err := svc.Register(context.Background(), RegisterInput{
			Mode: store.RegistrationSeed, AgentID: "agent://carol", TenantID: "tenant-1", Seed: seed, KeyVersion: 1,
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		return res.Agent
	}
	a1, a2 := mk(), mk()
	if !bytes.Equal(a1.PublicKey, a2.PublicKey) {
		t.Fatal("expected deterministic public key across identical seed-mode registrations")
	}
}

func TestRegisterImportNoPrivateKey(t *testing.T) {
	svc := New(memstore.New(), nil)
	kp := mustKeyPair(t)
	res, err := svc.Register(context.Background(), RegisterInput{
		Mode: store.RegistrationImport, AgentID: "agent://imported", ImportPubKey: kp,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.PrivateKey != nil {
		t.Fatal("expected no private key for import mode")
	}
}

func TestHeartbeatMarksOnline(t *testing.T) {
	svc := New(memstore.New(), nil)
	ctx := context.Background()
	svc.Register(ctx, RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://dan"})

	if err := svc.Heartbeat(ctx, "agent://dan", map[string]any{"v": 1}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	a, _ := svc.st.GetAgent(ctx, "agent://dan")
	if a.Heartbeat.Status != store.HeartbeatOnline {
		t.Fatalf("expected online, got %q", a.Heartbeat.Status)
	}
}

func TestHeartbeatOnMissingAgentIsNoop(t *testing.T) {
	svc := New(memstore.New(), nil)
	if err := svc.Heartbeat(context.Background(), "agent://ghost", nil); err != nil {
		t.Fatalf("expected nil error on missing agent, got %v", err)
	}
}

func TestMarkOfflineAgents(t *testing.T) {
	svc := New(memstore.New(), nil)
	ctx := context.Background()
	svc.Register(ctx, RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://eve"})
	svc.Heartbeat(ctx, "agent://eve", nil)

	n, err := svc.MarkOfflineAgents(ctx, time.Now().Add(time.Hour), time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestTrustList(t *testing.T) {
	svc := New(memstore.New(), nil)
	ctx := context.Background()
	svc.Register(ctx, RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://frank"})

	svc.AddTrustedAgent(ctx, "agent://frank", "agent://alice")
	if trusted, _ := svc.IsTrusted(ctx, "agent://frank", "agent://alice"); !trusted {
		t.Fatal("expected trusted")
	}
	svc.RemoveTrustedAgent(ctx, "agent://frank", "agent://alice")
	if trusted, _ := svc.IsTrusted(ctx, "agent://frank", "agent://alice"); trusted {
		t.Fatal("expected not trusted after removal")
	}
}

func TestRotateKeyOverlapWindow(t *testing.T) {
	svc := New(memstore.New(), nil)
	ctx := context.Background()
	seed := []byte("another-fixed-seed-value-7890123")
	res, err := svc.Register(ctx, RegisterInput{
		Mode: store.RegistrationSeed, AgentID: "agent://grace", TenantID: "t1", Seed: seed, KeyVersion: 1,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	oldPub := append([]byte(nil), res.Agent.PublicKey...)

	updated, _, err := svc.RotateKey(ctx, "agent://grace", seed, "t1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if updated.KeyVersion != 2 {
		t.Fatalf("expected key version 2, got %d", updated.KeyVersion)
	}

	keys := ActiveVerificationKeys(updated, time.Now())
	foundOld := false
	for _, k := range keys {
		if bytes.Equal(k, oldPub) {
			foundOld = true
		}
	}
	if !foundOld {
		t.Fatal("expected old key still valid within overlap window")
	}

	keysAfterOverlap := ActiveVerificationKeys(updated, time.Now().Add(25*time.Hour))
	for _, k := range keysAfterOverlap {
		if bytes.Equal(k, oldPub) {
			t.Fatal("expected old key to be rejected after overlap window")
		}
	}
}

func mustKeyPair(t *testing.T) []byte {
	t.Helper()
	svc := New(memstore.New(), nil)
	res, err := svc.Register(context.Background(), RegisterInput{Mode: store.RegistrationLegacy, AgentID: "agent://keysource"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res.Agent.PublicKey
}
