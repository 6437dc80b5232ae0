// Package memstore is the in-process, map-based implementation of
// store.Store. Every operation runs synchronously under a single
// mutual-exclusion region guarding the underlying maps.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admp/hub/internal/store"
)

// Store is the in-memory backend. Zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	agents      map[string]*store.Agent
	messages    map[string]*store.Message
	groups      map[string]*store.Group
	history     map[string][]*store.GroupHistoryEntry // by group id
	historySeen map[string]bool                        // group_message_id dedupe
	roundTables map[string]*store.RoundTable
	keys        map[string]*store.IssuedKey // by key id
	keysByHash  map[string]string           // hash -> key id
	tenants     map[string]*store.Tenant
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		agents:      make(map[string]*store.Agent),
		messages:    make(map[string]*store.Message),
		groups:      make(map[string]*store.Group),
		history:     make(map[string][]*store.GroupHistoryEntry),
		historySeen: make(map[string]bool),
		roundTables: make(map[string]*store.RoundTable),
		keys:        make(map[string]*store.IssuedKey),
		keysByHash:  make(map[string]string),
		tenants:     make(map[string]*store.Tenant),
	}
}

func (s *Store) Close() error { return nil }

// --- Agents ---------------------------------------------------------

func (s *Store) CreateAgent(_ context.Context, a *store.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.AgentID]; exists {
		return store.ErrConflict
	}
	s.agents[a.AgentID] = a.Clone()
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) UpdateAgent(_ context.Context, id string, u store.AgentUpdate) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	applyAgentUpdate(a, u)
	s.agents[id] = a
	return a.Clone(), nil
}

func applyAgentUpdate(a *store.Agent, u store.AgentUpdate) {
	if u.Active != nil {
		a.Active = *u.Active
	}
	if u.DeactivationDeadline != nil {
		a.DeactivationDeadline = *u.DeactivationDeadline
	}
	if u.Metadata != nil {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		for k, v := range u.Metadata {
			a.Metadata[k] = v
		}
	}
	if u.WebhookURL != nil {
		a.WebhookURL = *u.WebhookURL
	}
	if u.WebhookSecret != nil {
		a.WebhookSecret = *u.WebhookSecret
	}
	if u.Heartbeat != nil {
		a.Heartbeat = *u.Heartbeat
	}
	if u.RegistrationStatus != nil {
		a.RegistrationStatus = *u.RegistrationStatus
	}
	if u.Keys != nil {
		a.Keys = u.Keys
	}
	if u.KeyVersion != nil {
		a.KeyVersion = *u.KeyVersion
	}
	if u.PublicKey != nil {
		a.PublicKey = u.PublicKey
	}
	if u.TrustedAgentAdd != "" {
		if a.TrustedAgents == nil {
			a.TrustedAgents = make(map[string]bool)
		}
		a.TrustedAgents[u.TrustedAgentAdd] = true
	}
	if u.TrustedAgentRemove != "" && a.TrustedAgents != nil {
		delete(a.TrustedAgents, u.TrustedAgentRemove)
	}
	if u.BlockedAgentAdd != "" {
		if a.BlockedAgents == nil {
			a.BlockedAgents = make(map[string]bool)
		}
		a.BlockedAgents[u.BlockedAgentAdd] = true
	}
	if u.BlockedAgentRemove != "" && a.BlockedAgents != nil {
		delete(a.BlockedAgents, u.BlockedAgentRemove)
	}
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *Store) ListAgents(_ context.Context, f store.AgentFilter) ([]*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.Status != "" && a.RegistrationStatus != f.Status {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// --- Messages ---------------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, m *store.Message) (*store.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[m.ID]; ok {
		clone := *existing
		return &clone, false, nil
	}
	clone := *m
	s.messages[m.ID] = &clone
	result := *m
	return &result, true, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, u store.MessageUpdate) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	applyMessageUpdate(m, u)
	m.UpdatedAt = time.Now().UTC()
	clone := *m
	return &clone, nil
}

func applyMessageUpdate(m *store.Message, u store.MessageUpdate) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.Attempts != nil {
		m.Attempts = *u.Attempts
	}
	if u.LeaseUntil != nil {
		m.LeaseUntil = *u.LeaseUntil
	}
	if u.AckedAt != nil {
		m.AckedAt = *u.AckedAt
	}
	if u.ResultSet {
		m.Result = u.Result
	}
}

func (s *Store) ListMessages(_ context.Context, recipient string, f store.MessageFilter) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Message, 0)
	for _, m := range s.messages {
		if m.Recipient != recipient {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sortByCreatedThenID(out)
	return out, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// LeaseNext atomically selects the oldest queued record for recipient,
// transitions it to leased, and stamps a new deadline. The whole
// operation runs under the store's single mutex, so it is race-free
// with respect to concurrent pulls.
func (s *Store) LeaseNext(_ context.Context, recipient string, visibilityTimeout time.Duration) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*store.Message, 0)
	for _, m := range s.messages {
		if m.Recipient == recipient && m.Status == store.MessageQueued {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sortByCreatedThenID(candidates)
	chosen := candidates[0]

	deadline := time.Now().UTC().Add(visibilityTimeout)
	chosen.Status = store.MessageLeased
	chosen.LeaseUntil = &deadline
	chosen.Attempts++
	chosen.UpdatedAt = time.Now().UTC()

	clone := *chosen
	return &clone, nil
}

func (s *Store) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.Status == store.MessageLeased && m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
			m.Status = store.MessageQueued
			m.LeaseUntil = nil
			m.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *Store) ExpireOldMessages(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.Status != store.MessageQueued {
			continue
		}
		ttl := m.Envelope.TTLSec
		if ttl <= 0 {
			continue
		}
		if m.CreatedAt.Add(time.Duration(ttl) * time.Second).Before(now) {
			m.Status = store.MessageExpired
			m.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func sortByCreatedThenID(in []*store.Message) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].ID < in[j].ID
		}
		return in[i].CreatedAt.Before(in[j].CreatedAt)
	})
}

// --- Groups ---------------------------------------------------------

func (s *Store) CreateGroup(_ context.Context, g *store.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return store.ErrConflict
	}
	clone := *g
	s.groups[g.ID] = &clone
	return nil
}

func (s *Store) GetGroup(_ context.Context, id string) (*store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.Deleted {
		return nil, store.ErrNotFound
	}
	clone := *g
	return &clone, nil
}

func (s *Store) UpdateGroup(_ context.Context, id string, u store.GroupUpdate) (*store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.Name != nil {
		g.Name = *u.Name
	}
	if u.Settings != nil {
		g.Settings = *u.Settings
	}
	if u.Members != nil {
		g.Members = u.Members
	}
	if u.Deleted != nil {
		g.Deleted = *u.Deleted
	}
	clone := *g
	return &clone, nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return store.ErrNotFound
	}
	g.Deleted = true
	return nil
}

func (s *Store) ListGroups(_ context.Context) ([]*store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Group, 0, len(s.groups))
	for _, g := range s.groups {
		if g.Deleted {
			continue
		}
		clone := *g
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Group history ---------------------------------------------------

func (s *Store) AppendGroupHistory(_ context.Context, e *store.GroupHistoryEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historySeen[e.GroupMessageID] {
		return false, nil
	}
	s.historySeen[e.GroupMessageID] = true
	clone := *e
	s.history[e.GroupID] = append(s.history[e.GroupID], &clone)
	return true, nil
}

func (s *Store) ListGroupHistory(_ context.Context, groupID string, limit int, since time.Time) ([]*store.GroupHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[groupID]
	out := make([]*store.GroupHistoryEntry, 0, len(all))
	for _, e := range all {
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeGroupHistory(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for groupID, entries := range s.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				delete(s.historySeen, e.GroupMessageID)
				count++
				continue
			}
			kept = append(kept, e)
		}
		s.history[groupID] = kept
	}
	return count, nil
}

// --- Round tables -----------------------------------------------------

func (s *Store) CreateRoundTable(_ context.Context, rt *store.RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roundTables[rt.ID]; exists {
		return store.ErrConflict
	}
	clone := *rt
	s.roundTables[rt.ID] = &clone
	return nil
}

func (s *Store) GetRoundTable(_ context.Context, id string) (*store.RoundTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.roundTables[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rt
	return &clone, nil
}

func (s *Store) UpdateRoundTable(_ context.Context, id string, u store.RoundTableUpdate) (*store.RoundTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.roundTables[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.Status != nil {
		rt.Status = *u.Status
	}
	if u.AppendThread != nil {
		rt.Thread = append(rt.Thread, *u.AppendThread)
	}
	if u.Outcome != nil {
		rt.Outcome = *u.Outcome
	}
	if u.Decision != nil {
		rt.Decision = *u.Decision
	}
	if u.ResolvedAt != nil {
		rt.ResolvedAt = *u.ResolvedAt
	}
	clone := *rt
	return &clone, nil
}

func (s *Store) ListRoundTables(_ context.Context, f store.RoundTableFilter) ([]*store.RoundTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.RoundTable, 0)
	for _, rt := range s.roundTables {
		if f.Status != "" && rt.Status != f.Status {
			continue
		}
		if f.Participant != "" && !containsString(rt.Participants, f.Participant) {
			continue
		}
		clone := *rt
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PurgeRoundTables(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, rt := range s.roundTables {
		if rt.Status == store.RoundTableOpen {
			continue
		}
		ref := rt.CreatedAt
		if rt.ResolvedAt != nil {
			ref = *rt.ResolvedAt
		}
		if ref.Before(olderThan) {
			delete(s.roundTables, id)
			count++
		}
	}
	return count, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// --- Issued keys ------------------------------------------------------

func (s *Store) CreateIssuedKey(_ context.Context, k *store.IssuedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[k.KeyID]; exists {
		return store.ErrConflict
	}
	clone := *k
	s.keys[k.KeyID] = &clone
	s.keysByHash[k.HashedKey] = k.KeyID
	return nil
}

func (s *Store) GetIssuedKeyByHash(_ context.Context, hash string) (*store.IssuedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *s.keys[id]
	return &clone, nil
}

func (s *Store) ListIssuedKeys(_ context.Context) ([]*store.IssuedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.IssuedKey, 0, len(s.keys))
	for _, k := range s.keys {
		clone := *k
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *Store) RevokeIssuedKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	k.Revoked = true
	now := time.Now().UTC()
	k.RevokedAt = &now
	return nil
}

func (s *Store) MarkIssuedKeyUsed(_ context.Context, keyID string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	k.UsedAt = &when
	return nil
}

// --- Tenants ----------------------------------------------------------

func (s *Store) GetTenant(_ context.Context, id string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

// PutTenant is a memstore-only convenience for seeding tenant policy in
// tests and local setups; the Store interface has no admin surface for
// tenants beyond GetTenant per spec §4.2.
func (s *Store) PutTenant(t *store.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tenants[t.ID] = &clone
}

var _ store.Store = (*Store)(nil)
