// Package roundtable implements ephemeral N-party deliberation layered
// on top of groups: bounded-duration sessions with an append-only
// thread, facilitator-only resolution, and expiry sweeps.
package roundtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/idgen"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/store"
)

// Limits enforced on every round table.
const (
	MaxParticipants  = 20
	MaxThreadLength  = 200
	MaxMessageChars  = 10000
	MinTimeoutMin    = 1
	MaxTimeoutMin    = 10080
)

// Errors surfaced by Service operations.
var (
	ErrNotFound         = errors.New("not_found")
	ErrForbidden        = errors.New("forbidden")
	ErrNotOpen          = errors.New("not_open")
	ErrThreadFull       = errors.New("thread_full")
	ErrMessageTooLong   = errors.New("message_too_long")
	ErrInvalidInput     = errors.New("invalid_input")
	ErrNoParticipants   = errors.New("no_participants_enrolled")
)

// Service implements round-table deliberation.
type Service struct {
	st     store.Store
	groups *group.Service
	inbox  *inbox.Service
}

// New creates a round-table service.
func New(st store.Store, groups *group.Service, inboxSvc *inbox.Service) *Service {
	return &Service{st: st, groups: groups, inbox: inboxSvc}
}

// CreateInput describes a new round table.
type CreateInput struct {
	Topic          string
	Goal           string
	Facilitator    string
	Participants   []string
	TimeoutMinutes int
}

// CreateResult carries the round table plus any participants that
// could not be enrolled.
type CreateResult struct {
	RoundTable           *store.RoundTable
	ExcludedParticipants []string
}

// Create validates inputs, builds a backing invite-only group,
// enrolls as many participants as succeed, and notifies each enrolled
// participant with a work_order envelope.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.Topic == "" || in.Goal == "" || len(in.Topic) > 500 || len(in.Goal) > 500 {
		return nil, ErrInvalidInput
	}
	unique := map[string]bool{}
	for _, p := range in.Participants {
		unique[p] = true
	}
	if len(unique) == 0 || len(unique) > MaxParticipants {
		return nil, ErrInvalidInput
	}
	timeout := in.TimeoutMinutes
	if timeout < MinTimeoutMin || timeout > MaxTimeoutMin {
		return nil, ErrInvalidInput
	}

	id := idgen.NewRoundTableID()
	groupID := "group://round-table-" + id
	g, err := s.groups.Create(ctx, group.CreateInput{
		ID: groupID, Name: "round-table-" + id, CreatorID: in.Facilitator,
		AccessType: store.GroupAccessInviteOnly,
		Settings: store.GroupSettings{
			MaxMembers:    len(unique) + 1,
			MessageTTLSec: timeout * 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create backing group: %w", err)
	}

	var enrolled, excluded []string
	for p := range unique {
		if _, err := s.st.GetAgent(ctx, p); err != nil {
			excluded = append(excluded, p)
			continue
		}
		if _, err := s.groups.Invite(ctx, groupID, in.Facilitator, p); err != nil {
			excluded = append(excluded, p)
			continue
		}
		enrolled = append(enrolled, p)
	}

	if len(enrolled) == 0 {
		s.groups.Delete(ctx, groupID, in.Facilitator)
		return nil, ErrNoParticipants
	}

	if len(excluded) > 0 {
		shrunk := g.Settings
		shrunk.MaxMembers = len(enrolled) + 1
		s.groups.Update(ctx, groupID, in.Facilitator, nil, &shrunk)
	}

	now := time.Now()
	rt := &store.RoundTable{
		ID: id, Topic: in.Topic, Goal: in.Goal, Facilitator: in.Facilitator,
		Participants: enrolled, GroupID: groupID, Status: store.RoundTableOpen,
		CreatedAt: now, ExpiresAt: now.Add(time.Duration(timeout) * time.Minute),
	}
	if err := s.st.CreateRoundTable(ctx, rt); err != nil {
		return nil, err
	}

	for _, p := range enrolled {
		s.sendIndividual(ctx, p, "work_order", map[string]any{
			"round_table_id": id, "topic": in.Topic, "goal": in.Goal, "facilitator": in.Facilitator,
		})
	}

	return &CreateResult{RoundTable: rt, ExcludedParticipants: excluded}, nil
}

// SpeakResult carries the new thread entry id and updated length.
type SpeakResult struct {
	EntryID     string
	ThreadLen   int
}

// Speak appends a thread entry, then multicasts it through the
// backing group.
func (s *Service) Speak(ctx context.Context, id, from, message string) (*SpeakResult, error) {
	rt, err := s.st.GetRoundTable(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if rt.Status != store.RoundTableOpen {
		return nil, ErrNotOpen
	}
	if from != rt.Facilitator && !contains(rt.Participants, from) {
		return nil, ErrForbidden
	}
	if len(rt.Thread) >= MaxThreadLength {
		return nil, ErrThreadFull
	}
	if len(message) > MaxMessageChars {
		return nil, ErrMessageTooLong
	}

	entry := store.ThreadEntry{ID: idgen.NewMessageID(), From: from, Message: message, Timestamp: time.Now()}
	updated, err := s.st.UpdateRoundTable(ctx, id, store.RoundTableUpdate{AppendThread: &entry})
	if err != nil {
		return nil, err
	}

	if _, err := s.groups.Post(ctx, rt.GroupID, from, "round_table_message", map[string]any{
		"round_table_id": id, "entry": entry,
	}); err != nil {
		slog.Warn("round table multicast failed", "round_table", id, "error", err)
	}

	return &SpeakResult{EntryID: entry.ID, ThreadLen: len(updated.Thread)}, nil
}

// Get returns a round table, restricted to the facilitator or a
// participant.
func (s *Service) Get(ctx context.Context, id, requester string) (*store.RoundTable, error) {
	rt, err := s.st.GetRoundTable(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if requester != rt.Facilitator && !contains(rt.Participants, requester) {
		return nil, ErrForbidden
	}
	return rt, nil
}

// ResolveInput carries the facilitator's resolution.
type ResolveInput struct {
	Facilitator string
	Outcome     string
	Decision    string // defaults to "approved"
}

// Resolve marks a round table resolved, multicasts the resolution, and
// deletes the backing group. Only the facilitator may resolve, and
// only while open.
func (s *Service) Resolve(ctx context.Context, id string, in ResolveInput) (*store.RoundTable, error) {
	rt, err := s.st.GetRoundTable(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if in.Facilitator != rt.Facilitator {
		return nil, ErrForbidden
	}
	if rt.Status != store.RoundTableOpen {
		return nil, ErrNotOpen
	}

	decision := in.Decision
	if decision == "" {
		decision = "approved"
	}
	status := store.RoundTableResolved
	now := time.Now()
	updated, err := s.st.UpdateRoundTable(ctx, id, store.RoundTableUpdate{
		Status: &status, Outcome: &in.Outcome, Decision: &decision, ResolvedAt: ptrToPtr(&now),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.groups.Post(ctx, rt.GroupID, rt.Facilitator, "round_table_resolved", map[string]any{
		"round_table_id": id, "outcome": in.Outcome, "decision": decision,
	}); err != nil {
		slog.Warn("round table resolution multicast failed", "round_table", id, "error", err)
	}
	s.groups.Delete(ctx, rt.GroupID, rt.Facilitator)

	return updated, nil
}

// ExpireStale transitions any open round table past its ExpiresAt to
// expired, notifies the facilitator and participants individually,
// and deletes the backing group. Per-record failures are logged; the
// scan continues.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	tables, err := s.st.ListRoundTables(ctx, store.RoundTableFilter{Status: store.RoundTableOpen})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rt := range tables {
		if now.Before(rt.ExpiresAt) {
			continue
		}
		status := store.RoundTableExpired
		if _, err := s.st.UpdateRoundTable(ctx, rt.ID, store.RoundTableUpdate{Status: &status}); err != nil {
			slog.Warn("failed to expire round table", "round_table", rt.ID, "error", err)
			continue
		}
		subject := fmt.Sprintf("Round Table expired: %s", rt.Topic)
		for _, recipient := range append([]string{rt.Facilitator}, rt.Participants...) {
			s.sendIndividual(ctx, recipient, subject, map[string]any{"round_table_id": rt.ID})
		}
		if err := s.groups.Delete(ctx, rt.GroupID, rt.Facilitator); err != nil {
			slog.Warn("failed to delete expired round table's group", "round_table", rt.ID, "error", err)
		}
		count++
	}
	return count, nil
}

// PurgeStale removes terminal (resolved/expired) records older than
// olderThan.
func (s *Service) PurgeStale(ctx context.Context, olderThan time.Time) (int, error) {
	return s.st.PurgeRoundTables(ctx, olderThan)
}

func (s *Service) sendIndividual(ctx context.Context, recipient, subject string, body any) {
	env := store.Envelope{
		Version: "1.0", ID: idgen.NewMessageID(), Type: "notification",
		From: "admp-hub", To: recipient, Subject: subject, Body: body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.inbox.Send(ctx, env, inbox.SendOptions{VerifySignature: false}); err != nil {
		slog.Warn("round table notification failed", "recipient", recipient, "error", err)
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func ptrToPtr(t *time.Time) **time.Time {
	return &t
}

func translateNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
