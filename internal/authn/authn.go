// Package authn issues and verifies bearer API keys: hashed at rest,
// revocable, optionally single-use, optionally pinned to a target
// agent.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/admp/hub/internal/idgen"
	"github.com/admp/hub/internal/store"
)

// Errors surfaced by Service operations.
var (
	ErrNotFound    = errors.New("not_found")
	ErrRevoked     = errors.New("key_revoked")
	ErrExpired     = errors.New("key_expired")
	ErrConsumed    = errors.New("key_already_used")
	ErrWrongTarget = errors.New("key_not_valid_for_target")
)

// Service issues and authenticates API keys against a Store.
type Service struct {
	st store.Store
}

// New creates an authn service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// IssueInput describes a new key.
type IssueInput struct {
	ClientID      string
	Description   string
	ExpiresIn     time.Duration // zero means no expiry
	SingleUse     bool
	TargetAgentID string
}

// IssueResult carries the raw key, returned exactly once.
type IssueResult struct {
	KeyID  string
	RawKey string
}

// Issue creates a new key and returns its raw form.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	raw, err := randomKey()
	if err != nil {
		return nil, err
	}
	keyID := idgen.NewKeyID()
	k := &store.IssuedKey{
		KeyID: keyID, HashedKey: hashKey(raw), ClientID: in.ClientID,
		Description: in.Description, CreatedAt: time.Now(),
		SingleUse: in.SingleUse, TargetAgentID: in.TargetAgentID,
	}
	if in.ExpiresIn > 0 {
		exp := time.Now().Add(in.ExpiresIn)
		k.ExpiresAt = &exp
	}
	if err := s.st.CreateIssuedKey(ctx, k); err != nil {
		return nil, err
	}
	return &IssueResult{KeyID: keyID, RawKey: raw}, nil
}

// List returns all issued keys (hashes only; raw keys are never
// retrievable after issuance).
func (s *Service) List(ctx context.Context) ([]*store.IssuedKey, error) {
	return s.st.ListIssuedKeys(ctx)
}

// Revoke marks a key unusable.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	err := s.st.RevokeIssuedKey(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Authenticate validates a bearer token, optionally checking it is
// pinned to targetAgentID (pass "" to skip that check), and marks
// single-use keys consumed.
func (s *Service) Authenticate(ctx context.Context, rawKey, targetAgentID string) (*store.IssuedKey, error) {
	k, err := s.st.GetIssuedKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if k.Revoked {
		return nil, ErrRevoked
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return nil, ErrExpired
	}
	if k.SingleUse && k.UsedAt != nil {
		return nil, ErrConsumed
	}
	if targetAgentID != "" && k.TargetAgentID != "" && k.TargetAgentID != targetAgentID {
		return nil, ErrWrongTarget
	}
	if k.SingleUse {
		if err := s.st.MarkIssuedKeyUsed(ctx, k.KeyID, time.Now()); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
