// Package agentsvc implements the agent registry: registration in its
// three disjoint modes, approval workflow, heartbeats, trust lists,
// webhook configuration, and key rotation with an overlap window.
package agentsvc

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/admp/hub/internal/cryptoutil"
	"github.com/admp/hub/internal/idgen"
	"github.com/admp/hub/internal/store"
)

// Errors surfaced by Service operations. Route adapters map these to
// the status codes named in the external interface.
var (
	ErrAgentExists    = errors.New("agent_exists")
	ErrMissingTenant  = errors.New("missing_tenant")
	ErrNotFound       = errors.New("not_found")
	ErrNotSeedMode    = errors.New("rotate_key requires seed-mode registration")
	ErrInvalidPubKey  = errors.New("invalid_public_key")
	ErrInvalidAgentID = errors.New("invalid_agent_id")
)

// KeyRotationOverlap is how long a deactivated key remains valid for
// signature verification after a rotation.
const KeyRotationOverlap = 24 * time.Hour

// RegisterInput is the disjoint-mode registration request.
type RegisterInput struct {
	Mode          store.RegistrationMode
	AgentID       string // optional; server-generated if empty
	Type          string
	TenantID      string // required for seed mode
	Seed          []byte // seed mode only
	KeyVersion    int    // seed mode only; defaults to 1
	ImportPubKey  []byte // import mode only
	Metadata      map[string]any
	WebhookURL    string
	WebhookSecret string // auto-generated if WebhookURL set and secret empty
}

// RegisterResult carries the registered agent and, for legacy/seed
// modes, the private key returned exactly once.
type RegisterResult struct {
	Agent      *store.Agent
	PrivateKey ed25519.PrivateKey // nil for import mode
}

// Service implements the agent registry against a Store.
type Service struct {
	st     store.Store
	policy func(tenantID string) store.RegistrationStatusPolicy
}

// New creates an agent service. resolvePolicy resolves a tenant's
// registration policy (open agents are auto-approved); pass nil to
// always auto-approve.
func New(st store.Store, resolvePolicy func(tenantID string) store.RegistrationStatusPolicy) *Service {
	if resolvePolicy == nil {
		resolvePolicy = func(string) store.RegistrationStatusPolicy { return store.TenantPolicyOpen }
	}
	return &Service{st: st, policy: resolvePolicy}
}

// Register creates a new agent in one of three disjoint modes.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	agentID := in.AgentID
	if agentID == "" {
		agentID = idgen.NewAgentID()
	} else if err := idgen.ValidatePathSafe(agentID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAgentID, err)
	}

	if _, err := s.st.GetAgent(ctx, agentID); err == nil {
		return nil, ErrAgentExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		ctxStr string
	)

	switch in.Mode {
	case store.RegistrationLegacy:
		kp, err := cryptoutil.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		pub, priv = kp.PublicKey, kp.PrivateKey

	case store.RegistrationSeed:
		if in.TenantID == "" {
			return nil, ErrMissingTenant
		}
		version := in.KeyVersion
		if version <= 0 {
			version = 1
		}
		ctxStr = cryptoutil.DeriveContext(in.TenantID, agentID, version)
		kp, err := cryptoutil.DeriveKeyPair(in.Seed, ctxStr)
		if err != nil {
			return nil, fmt.Errorf("derive keypair: %w", err)
		}
		pub, priv = kp.PublicKey, kp.PrivateKey

	case store.RegistrationImport:
		if len(in.ImportPubKey) != ed25519.PublicKeySize {
			return nil, ErrInvalidPubKey
		}
		pub = ed25519.PublicKey(in.ImportPubKey)

	default:
		return nil, fmt.Errorf("unknown registration mode %q", in.Mode)
	}

	webhookSecret := in.WebhookSecret
	if in.WebhookURL != "" && webhookSecret == "" {
		var err error
		webhookSecret, err = randomSecret()
		if err != nil {
			return nil, err
		}
	}

	status := store.RegistrationApproved
	if s.policy(in.TenantID) == store.TenantPolicyApprovalRequired {
		status = store.RegistrationPending
	}

	now := time.Now()
	agent := &store.Agent{
		AgentID:          agentID,
		Type:             in.Type,
		PublicKey:        append([]byte(nil), pub...),
		DID:              cryptoutil.DeriveDID(pub),
		TenantID:         in.TenantID,
		RegistrationMode: in.Mode,
		KeyVersion:       1,
		Keys: []store.KeyRecord{{
			Version:   1,
			PublicKey: append([]byte(nil), pub...),
			Active:    true,
			CreatedAt: now,
		}},
		CreatedAt:          now,
		Active:             true,
		DerivationContext:  ctxStr,
		Metadata:           in.Metadata,
		WebhookURL:         in.WebhookURL,
		WebhookSecret:      webhookSecret,
		TrustedAgents:      map[string]bool{},
		BlockedAgents:      map[string]bool{},
		RegistrationStatus: status,
	}
	if in.Mode == store.RegistrationSeed {
		agent.KeyVersion = in.KeyVersion
		if agent.KeyVersion <= 0 {
			agent.KeyVersion = 1
		}
		agent.Keys[0].Version = agent.KeyVersion
	}

	if err := s.st.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	return &RegisterResult{Agent: agent, PrivateKey: priv}, nil
}

// Approve idempotently transitions an agent to approved.
func (s *Service) Approve(ctx context.Context, agentID string) (*store.Agent, error) {
	status := store.RegistrationApproved
	a, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{RegistrationStatus: &status})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Reject transitions an agent to rejected. reason is accepted for API
// symmetry but not currently persisted as a distinct field.
func (s *Service) Reject(ctx context.Context, agentID, reason string) (*store.Agent, error) {
	status := store.RegistrationRejected
	a, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{RegistrationStatus: &status})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Heartbeat marks an agent online and merges optional metadata. A
// missing agent is a silent no-op per the failure-semantics contract.
func (s *Service) Heartbeat(ctx context.Context, agentID string, metadata map[string]any) error {
	hb := store.Heartbeat{Status: store.HeartbeatOnline, LastHeartbeat: time.Now()}
	_, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{Heartbeat: &hb, Metadata: metadata})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// MarkOfflineAgents scans online agents and flips any past their
// heartbeat timeout to offline. Returns the count changed.
func (s *Service) MarkOfflineAgents(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int, error) {
	agents, err := s.st.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if a.Heartbeat.Status != store.HeartbeatOnline {
			continue
		}
		timeout := defaultTimeout
		if a.Heartbeat.TimeoutMS > 0 {
			timeout = time.Duration(a.Heartbeat.TimeoutMS) * time.Millisecond
		}
		if now.Sub(a.Heartbeat.LastHeartbeat) <= timeout {
			continue
		}
		hb := a.Heartbeat
		hb.Status = store.HeartbeatOffline
		if _, err := s.st.UpdateAgent(ctx, a.AgentID, store.AgentUpdate{Heartbeat: &hb}); err == nil {
			count++
		}
	}
	return count, nil
}

// AddTrustedAgent adds peerID to agentID's trusted set.
func (s *Service) AddTrustedAgent(ctx context.Context, agentID, peerID string) error {
	_, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{TrustedAgentAdd: peerID})
	return translateNotFound(err)
}

// RemoveTrustedAgent removes peerID from agentID's trusted set.
func (s *Service) RemoveTrustedAgent(ctx context.Context, agentID, peerID string) error {
	_, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{TrustedAgentRemove: peerID})
	return translateNotFound(err)
}

// IsTrusted reports whether peerID is in agentID's trusted set.
func (s *Service) IsTrusted(ctx context.Context, agentID, peerID string) (bool, error) {
	a, err := s.st.GetAgent(ctx, agentID)
	if err != nil {
		return false, translateNotFound(err)
	}
	return a.TrustedAgents[peerID], nil
}

// IsBlocked reports whether peerID is in agentID's blocked set.
func (s *Service) IsBlocked(ctx context.Context, agentID, peerID string) (bool, error) {
	a, err := s.st.GetAgent(ctx, agentID)
	if err != nil {
		return false, translateNotFound(err)
	}
	return a.BlockedAgents[peerID], nil
}

// ConfigureWebhook sets the push destination. The secret is generated
// when absent and returned so callers can surface it exactly once.
func (s *Service) ConfigureWebhook(ctx context.Context, agentID, url, secret string) (string, error) {
	if secret == "" {
		var err error
		secret, err = randomSecret()
		if err != nil {
			return "", err
		}
	}
	_, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{WebhookURL: &url, WebhookSecret: &secret})
	if err != nil {
		return "", translateNotFound(err)
	}
	return secret, nil
}

// RemoveWebhook clears the push destination.
func (s *Service) RemoveWebhook(ctx context.Context, agentID string) error {
	empty := ""
	_, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{WebhookURL: &empty, WebhookSecret: &empty})
	return translateNotFound(err)
}

// GetWebhookConfig returns the configured URL (secret is never
// returned again after initial configuration).
func (s *Service) GetWebhookConfig(ctx context.Context, agentID string) (url string, configured bool, err error) {
	a, err := s.st.GetAgent(ctx, agentID)
	if err != nil {
		return "", false, translateNotFound(err)
	}
	return a.WebhookURL, a.WebhookURL != "", nil
}

// RotateKey derives a new keypair for a seed-mode agent, activates it,
// and marks the prior key inactive after a 24h overlap window.
func (s *Service) RotateKey(ctx context.Context, agentID string, seed []byte, tenantID string) (*store.Agent, ed25519.PrivateKey, error) {
	a, err := s.st.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, translateNotFound(err)
	}
	if a.RegistrationMode != store.RegistrationSeed {
		return nil, nil, ErrNotSeedMode
	}

	newVersion := a.KeyVersion + 1
	newCtx := cryptoutil.DeriveContext(tenantID, agentID, newVersion)
	kp, err := cryptoutil.DeriveKeyPair(seed, newCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("derive keypair: %w", err)
	}

	now := time.Now()
	deactivateAt := now.Add(KeyRotationOverlap)
	keys := make([]store.KeyRecord, 0, len(a.Keys)+1)
	for _, k := range a.Keys {
		if k.Active {
			k.Active = false
			k.DeactivateAt = &deactivateAt
		}
		keys = append(keys, k)
	}
	keys = append(keys, store.KeyRecord{
		Version:   newVersion,
		PublicKey: append([]byte(nil), kp.PublicKey...),
		Active:    true,
		CreatedAt: now,
	})

	updated, err := s.st.UpdateAgent(ctx, agentID, store.AgentUpdate{
		Keys:       keys,
		KeyVersion: &newVersion,
		PublicKey:  kp.PublicKey,
	})
	if err != nil {
		return nil, nil, translateNotFound(err)
	}
	return updated, kp.PrivateKey, nil
}

// ActiveVerificationKeys returns the public keys valid for signature
// verification right now: the active key, plus any deactivated key
// still inside its overlap window.
func ActiveVerificationKeys(a *store.Agent, now time.Time) []ed25519.PublicKey {
	var out []ed25519.PublicKey
	for _, k := range a.Keys {
		if k.Active {
			out = append(out, ed25519.PublicKey(k.PublicKey))
			continue
		}
		if k.DeactivateAt != nil && now.Before(*k.DeactivateAt) {
			out = append(out, ed25519.PublicKey(k.PublicKey))
		}
	}
	return out
}

func translateNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func randomSecret() (string, error) {
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(kp.PrivateKey.Seed()), nil
}
