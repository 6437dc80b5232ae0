// Package sqlstore is the "remote document store" implementation of
// store.Store from spec §4.2, backed by SQLite and accessed through raw
// database/sql with hand-written scan helpers, grounded on the
// teacher's internal/timeline service (schema constant applied at open,
// followed by best-effort additive migrations; no ORM, no migration
// framework).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/admp/hub/internal/store"
)

// Store is the SQLite-backed implementation of store.Store. It stands
// in for the remote document-store backend named in spec §4.2 — same
// interface, higher latency than memstore, so callers (notably group
// fanout) must avoid N+1 access patterns regardless of which backend is
// wired.
type Store struct {
	db *sql.DB
}

// schema is applied once at Open; it matches the collection names the
// spec's persisted layout names for the remote backend (admp_agents,
// admp_messages, ...).
const schema = `
CREATE TABLE IF NOT EXISTS admp_agents (
	agent_id TEXT PRIMARY KEY,
	doc TEXT NOT NULL,
	registration_status TEXT NOT NULL DEFAULT 'approved'
);
CREATE TABLE IF NOT EXISTS admp_messages (
	id TEXT PRIMARY KEY,
	recipient TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_admp_messages_recipient_status ON admp_messages(recipient, status, created_at);
CREATE TABLE IF NOT EXISTS admp_groups (
	id TEXT PRIMARY KEY,
	deleted BOOLEAN NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS admp_group_messages (
	group_id TEXT NOT NULL,
	group_message_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (group_id, group_message_id)
);
CREATE INDEX IF NOT EXISTS idx_admp_group_messages_group ON admp_group_messages(group_id, timestamp);
CREATE TABLE IF NOT EXISTS admp_round_tables (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS admp_keys (
	key_id TEXT PRIMARY KEY,
	hashed_key TEXT NOT NULL UNIQUE,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS admp_tenants (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
`

// Open opens (creating if absent) the SQLite file at path and applies
// the schema: foreign keys on, WAL journaling, a bounded busy timeout
// instead of immediate SQLITE_BUSY errors under contention.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	// Best-effort additive migration: older databases created before the
	// tenant policy column existed.
	_, _ = db.Exec(`ALTER TABLE admp_tenants ADD COLUMN policy TEXT DEFAULT 'open'`)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func marshalDoc(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlstore: marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalDoc[T any](raw string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal: %w", err)
	}
	return &v, nil
}

// --- Agents ---------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) error {
	doc, err := marshalDoc(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO admp_agents (agent_id, doc, registration_status) VALUES (?, ?, ?)`,
		a.AgentID, doc, string(a.RegistrationStatus))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_agents WHERE agent_id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get agent: %w", err)
	}
	return unmarshalDoc[store.Agent](doc)
}

func (s *Store) UpdateAgent(ctx context.Context, id string, u store.AgentUpdate) (*store.Agent, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	applyAgentUpdate(a, u)
	doc, err := marshalDoc(a)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_agents SET doc = ?, registration_status = ? WHERE agent_id = ?`,
		doc, string(a.RegistrationStatus), id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update agent: %w", err)
	}
	return a, nil
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

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admp_agents WHERE agent_id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error) {
	query := `SELECT doc FROM admp_agents`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE registration_status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY agent_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list agents: %w", err)
	}
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		a, err := unmarshalDoc[store.Agent](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Messages ---------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, bool, error) {
	existing, err := s.GetMessage(ctx, m.ID)
	if err == nil {
		return existing, false, nil
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}
	doc, err := marshalDoc(m)
	if err != nil {
		return nil, false, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO admp_messages (id, recipient, status, created_at, doc) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Recipient, string(m.Status), m.CreatedAt, doc)
	if err != nil {
		// Lost the race with a concurrent insert of the same id: treat as
		// the idempotent-hit path rather than surfacing a conflict.
		if existing, getErr := s.GetMessage(ctx, m.ID); getErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("sqlstore: create message: %w", err)
	}
	return m, true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_messages WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get message: %w", err)
	}
	return unmarshalDoc[store.Message](doc)
}

func (s *Store) UpdateMessage(ctx context.Context, id string, u store.MessageUpdate) (*store.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	applyMessageUpdate(m, u)
	m.UpdatedAt = time.Now().UTC()
	doc, err := marshalDoc(m)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_messages SET doc = ?, status = ? WHERE id = ?`, doc, string(m.Status), id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update message: %w", err)
	}
	return m, nil
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

func (s *Store) ListMessages(ctx context.Context, recipient string, f store.MessageFilter) ([]*store.Message, error) {
	query := `SELECT doc FROM admp_messages WHERE recipient = ?`
	args := []any{recipient}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list messages: %w", err)
	}
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		m, err := unmarshalDoc[store.Message](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admp_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LeaseNext runs inside a single SQLite transaction so the
// select-then-update pair is atomic with respect to other connections;
// SQLite's own writer serialization (plus the busy_timeout pragma) gives
// the race-freedom spec §4.2 requires of the remote backend.
func (s *Store) LeaseNext(ctx context.Context, recipient string, visibilityTimeout time.Duration) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: lease next: begin: %w", err)
	}
	defer tx.Rollback()

	var id, doc string
	err = tx.QueryRowContext(ctx,
		`SELECT id, doc FROM admp_messages WHERE recipient = ? AND status = ? ORDER BY created_at, id LIMIT 1`,
		recipient, string(store.MessageQueued)).Scan(&id, &doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: lease next: select: %w", err)
	}

	m, err := unmarshalDoc[store.Message](doc)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().UTC().Add(visibilityTimeout)
	m.Status = store.MessageLeased
	m.LeaseUntil = &deadline
	m.Attempts++
	m.UpdatedAt = time.Now().UTC()

	newDoc, err := marshalDoc(m)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE admp_messages SET doc = ?, status = ? WHERE id = ?`, newDoc, string(m.Status), id); err != nil {
		return nil, fmt.Errorf("sqlstore: lease next: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: lease next: commit: %w", err)
	}
	return m, nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM admp_messages WHERE status = ?`, string(store.MessageLeased))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reclaim: select: %w", err)
	}
	type pending struct{ id, doc string }
	var toReclaim []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.doc); err != nil {
			rows.Close()
			return 0, err
		}
		m, err := unmarshalDoc[store.Message](p.doc)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
			toReclaim = append(toReclaim, p)
		}
	}
	rows.Close()

	count := 0
	for _, p := range toReclaim {
		m, err := unmarshalDoc[store.Message](p.doc)
		if err != nil {
			return count, err
		}
		m.Status = store.MessageQueued
		m.LeaseUntil = nil
		m.UpdatedAt = now
		doc, err := marshalDoc(m)
		if err != nil {
			return count, err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE admp_messages SET doc = ?, status = ? WHERE id = ?`, doc, string(m.Status), p.id); err != nil {
			return count, fmt.Errorf("sqlstore: reclaim: update: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) ExpireOldMessages(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM admp_messages WHERE status = ?`, string(store.MessageQueued))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: expire: select: %w", err)
	}
	type pending struct{ id, doc string }
	var toExpire []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.doc); err != nil {
			rows.Close()
			return 0, err
		}
		m, err := unmarshalDoc[store.Message](p.doc)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if m.Envelope.TTLSec > 0 && m.CreatedAt.Add(time.Duration(m.Envelope.TTLSec)*time.Second).Before(now) {
			toExpire = append(toExpire, p)
		}
	}
	rows.Close()

	count := 0
	for _, p := range toExpire {
		m, err := unmarshalDoc[store.Message](p.doc)
		if err != nil {
			return count, err
		}
		m.Status = store.MessageExpired
		m.UpdatedAt = now
		doc, err := marshalDoc(m)
		if err != nil {
			return count, err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE admp_messages SET doc = ?, status = ? WHERE id = ?`, doc, string(m.Status), p.id); err != nil {
			return count, fmt.Errorf("sqlstore: expire: update: %w", err)
		}
		count++
	}
	return count, nil
}

// --- Groups ---------------------------------------------------------

func (s *Store) CreateGroup(ctx context.Context, g *store.Group) error {
	doc, err := marshalDoc(g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admp_groups (id, deleted, doc) VALUES (?, 0, ?)`, g.ID, doc)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	var doc string
	var deleted bool
	err := s.db.QueryRowContext(ctx, `SELECT doc, deleted FROM admp_groups WHERE id = ?`, id).Scan(&doc, &deleted)
	if err == sql.ErrNoRows || deleted {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get group: %w", err)
	}
	return unmarshalDoc[store.Group](doc)
}

func (s *Store) UpdateGroup(ctx context.Context, id string, u store.GroupUpdate) (*store.Group, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_groups WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update group: %w", err)
	}
	g, err := unmarshalDoc[store.Group](doc)
	if err != nil {
		return nil, err
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
	newDoc, err := marshalDoc(g)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_groups SET doc = ?, deleted = ? WHERE id = ?`, newDoc, g.Deleted, id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update group: %w", err)
	}
	return g, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admp_groups SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*store.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM admp_groups WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list groups: %w", err)
	}
	defer rows.Close()
	var out []*store.Group
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		g, err := unmarshalDoc[store.Group](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Group history ---------------------------------------------------

func (s *Store) AppendGroupHistory(ctx context.Context, e *store.GroupHistoryEntry) (bool, error) {
	doc, err := marshalDoc(e)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO admp_group_messages (group_id, group_message_id, timestamp, doc) VALUES (?, ?, ?, ?)`,
		e.GroupID, e.GroupMessageID, e.Timestamp, doc)
	if err != nil {
		return false, fmt.Errorf("sqlstore: append history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: append history: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListGroupHistory(ctx context.Context, groupID string, limit int, since time.Time) ([]*store.GroupHistoryEntry, error) {
	query := `SELECT doc FROM admp_group_messages WHERE group_id = ?`
	args := []any{groupID}
	if !since.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, since)
	}
	query += ` ORDER BY timestamp DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list history: %w", err)
	}
	defer rows.Close()
	var out []*store.GroupHistoryEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := unmarshalDoc[store.GroupHistoryEntry](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) PurgeGroupHistory(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admp_group_messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Round tables -----------------------------------------------------

func (s *Store) CreateRoundTable(ctx context.Context, rt *store.RoundTable) error {
	doc, err := marshalDoc(rt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admp_round_tables (id, status, doc) VALUES (?, ?, ?)`, rt.ID, string(rt.Status), doc)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetRoundTable(ctx context.Context, id string) (*store.RoundTable, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_round_tables WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get round table: %w", err)
	}
	return unmarshalDoc[store.RoundTable](doc)
}

func (s *Store) UpdateRoundTable(ctx context.Context, id string, u store.RoundTableUpdate) (*store.RoundTable, error) {
	rt, err := s.GetRoundTable(ctx, id)
	if err != nil {
		return nil, err
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
	doc, err := marshalDoc(rt)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_round_tables SET doc = ?, status = ? WHERE id = ?`, doc, string(rt.Status), id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update round table: %w", err)
	}
	return rt, nil
}

func (s *Store) ListRoundTables(ctx context.Context, f store.RoundTableFilter) ([]*store.RoundTable, error) {
	query := `SELECT doc FROM admp_round_tables`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list round tables: %w", err)
	}
	defer rows.Close()
	var out []*store.RoundTable
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rt, err := unmarshalDoc[store.RoundTable](doc)
		if err != nil {
			return nil, err
		}
		if f.Participant != "" {
			found := false
			for _, p := range rt.Participants {
				if p == f.Participant {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, rows.Err()
}

func (s *Store) PurgeRoundTables(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM admp_round_tables WHERE status != ? AND json_extract(doc, '$.CreatedAt') < ?`,
		string(store.RoundTableOpen), olderThan.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge round tables: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Issued keys ------------------------------------------------------

func (s *Store) CreateIssuedKey(ctx context.Context, k *store.IssuedKey) error {
	doc, err := marshalDoc(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admp_keys (key_id, hashed_key, doc) VALUES (?, ?, ?)`, k.KeyID, k.HashedKey, doc)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetIssuedKeyByHash(ctx context.Context, hash string) (*store.IssuedKey, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_keys WHERE hashed_key = ?`, hash).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get issued key: %w", err)
	}
	return unmarshalDoc[store.IssuedKey](doc)
}

func (s *Store) ListIssuedKeys(ctx context.Context) ([]*store.IssuedKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM admp_keys ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list issued keys: %w", err)
	}
	defer rows.Close()
	var out []*store.IssuedKey
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		k, err := unmarshalDoc[store.IssuedKey](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeIssuedKey(ctx context.Context, keyID string) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_keys WHERE key_id = ?`, keyID).Scan(&doc)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlstore: revoke key: %w", err)
	}
	k, err := unmarshalDoc[store.IssuedKey](doc)
	if err != nil {
		return err
	}
	k.Revoked = true
	now := time.Now().UTC()
	k.RevokedAt = &now
	newDoc, err := marshalDoc(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_keys SET doc = ? WHERE key_id = ?`, newDoc, keyID)
	return err
}

func (s *Store) MarkIssuedKeyUsed(ctx context.Context, keyID string, when time.Time) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_keys WHERE key_id = ?`, keyID).Scan(&doc)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlstore: mark key used: %w", err)
	}
	k, err := unmarshalDoc[store.IssuedKey](doc)
	if err != nil {
		return err
	}
	k.UsedAt = &when
	newDoc, err := marshalDoc(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE admp_keys SET doc = ? WHERE key_id = ?`, newDoc, keyID)
	return err
}

// --- Tenants ----------------------------------------------------------

func (s *Store) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM admp_tenants WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get tenant: %w", err)
	}
	return unmarshalDoc[store.Tenant](doc)
}

// PutTenant upserts a tenant's registration policy; an administrative
// convenience in the same spirit as memstore.PutTenant.
func (s *Store) PutTenant(ctx context.Context, t *store.Tenant) error {
	doc, err := marshalDoc(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admp_tenants (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, t.ID, doc)
	return err
}

var _ store.Store = (*Store)(nil)
