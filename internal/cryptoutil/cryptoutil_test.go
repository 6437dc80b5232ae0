package cryptoutil

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	base := SigningBase{
		Timestamp:     "2026-01-01T00:00:00Z",
		Body:          map[string]any{"x": 1},
		From:          "agent://alice",
		To:            "agent://bob",
		CorrelationID: "corr-1",
	}
	sig, err := Sign(kp.PrivateKey, base)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify([]ed25519.PublicKey{kp.PublicKey}, base, sig); err != nil {
		t.Fatalf("verify roundtrip: %v", err)
	}
}

func TestSignVerifyFlippedFieldsFail(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	base := SigningBase{
		Timestamp: "2026-01-01T00:00:00Z",
		Body:      map[string]any{"x": 1},
		From:      "agent://alice",
		To:        "agent://bob",
	}
	sig, err := Sign(kp.PrivateKey, base)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name string
		b    SigningBase
	}{
		{"body", SigningBase{Timestamp: base.Timestamp, Body: map[string]any{"x": 2}, From: base.From, To: base.To}},
		{"from", SigningBase{Timestamp: base.Timestamp, Body: base.Body, From: "agent://mallory", To: base.To}},
		{"to", SigningBase{Timestamp: base.Timestamp, Body: base.Body, From: base.From, To: "agent://carol"}},
		{"timestamp", SigningBase{Timestamp: "2026-01-01T00:00:01Z", Body: base.Body, From: base.From, To: base.To}},
		{"correlation_id", SigningBase{Timestamp: base.Timestamp, Body: base.Body, From: base.From, To: base.To, CorrelationID: "other"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Verify([]ed25519.PublicKey{kp.PublicKey}, tc.b, sig); err == nil {
				t.Fatalf("expected verification failure after flipping %s", tc.name)
			}
		})
	}
}

func TestSeedDerivationIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	ctx := DeriveContext("tenant-a", "agent://alice", 1)

	kp1, err := DeriveKeyPair(seed, ctx)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	kp2, err := DeriveKeyPair(seed, ctx)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if string(kp1.PublicKey) != string(kp2.PublicKey) {
		t.Fatal("expected byte-identical public keys for identical (seed, context)")
	}

	otherCtx := DeriveContext("tenant-a", "agent://alice", 2)
	kp3, err := DeriveKeyPair(seed, otherCtx)
	if err != nil {
		t.Fatalf("derive 3: %v", err)
	}
	if string(kp1.PublicKey) == string(kp3.PublicKey) {
		t.Fatal("expected different public keys for different key versions")
	}
}

func TestDeriveDID(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	did := DeriveDID(kp.PublicKey)
	if len(did) != len("did:seed:")+32 {
		t.Fatalf("unexpected DID length: %q", did)
	}
}

func TestValidateTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ok := now.Format(time.RFC3339)
	if err := ValidateTimestamp(ok, now); err != nil {
		t.Fatalf("expected valid timestamp, got %v", err)
	}

	tooOld := now.Add(-10 * time.Minute).Format(time.RFC3339)
	if err := ValidateTimestamp(tooOld, now); err == nil {
		t.Fatal("expected timestamp outside skew window to fail")
	}

	tooNew := now.Add(10 * time.Minute).Format(time.RFC3339)
	if err := ValidateTimestamp(tooNew, now); err == nil {
		t.Fatal("expected future timestamp outside skew window to fail")
	}
}

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantOK  bool
	}{
		{"30", 30, true},
		{"30s", 30, true},
		{"5m", 300, true},
		{"2h", 7200, true},
		{"1d", 86400, true},
		{"0", 0, false},
		{"-5s", 0, false},
		{"bogus", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseTTL(tc.in)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("ParseTTL(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
