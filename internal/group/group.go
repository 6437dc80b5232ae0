// Package group implements multi-party groups: membership and roles,
// join/leave semantics per access type, and post-with-fanout into
// member inboxes.
package group

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admp/hub/internal/idgen"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/store"
)

// Errors surfaced by Service operations.
var (
	ErrNotFound      = errors.New("not_found")
	ErrForbiddenRole = errors.New("forbidden_role")
	ErrWrongKey      = errors.New("wrong_join_key")
	ErrNotInvited    = errors.New("not_invited")
	ErrOwnerMustTransfer = errors.New("owner_must_transfer_before_leaving")
	ErrAlreadyMember = errors.New("already_member")
	ErrGroupFull     = errors.New("group_full")
	ErrInvalidID     = errors.New("invalid_id")
)

// Mirror, when set, asynchronously mirrors every post to an audit
// topic. It must not block or fail the post.
type Mirror interface {
	Mirror(ctx context.Context, groupID string, entry *store.GroupHistoryEntry)
}

// Service implements group management and post fanout.
type Service struct {
	st     store.Store
	inbox  *inbox.Service
	mirror Mirror
}

// New creates a group service. mirror may be nil.
func New(st store.Store, inboxSvc *inbox.Service, mirror Mirror) *Service {
	return &Service{st: st, inbox: inboxSvc, mirror: mirror}
}

// CreateInput describes a new group.
type CreateInput struct {
	Name       string
	CreatorID  string
	AccessType store.GroupAccessType
	JoinKey    string // required for key-protected access
	Settings   store.GroupSettings
	ID         string // optional; server-generated if empty
}

// Create makes a new group with the creator as owner.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Group, error) {
	if err := idgen.ValidatePathSafe(in.CreatorID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	id := in.ID
	if id == "" {
		id = "group://" + idgen.NewGroupMessageID()
	} else if err := idgen.ValidatePathSafe(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	g := &store.Group{
		ID:        id,
		Name:      in.Name,
		CreatorID: in.CreatorID,
		Access:    store.GroupAccess{Type: in.AccessType, JoinKeyHash: hashKey(in.JoinKey)},
		Settings:  in.Settings,
		Members:   []store.GroupMember{{AgentID: in.CreatorID, Role: store.GroupRoleOwner, JoinedAt: time.Now()}},
		CreatedAt: time.Now(),
	}
	if err := s.st.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns a group by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Group, error) {
	g, err := s.st.GetGroup(ctx, id)
	return g, translateNotFound(err)
}

// List returns all non-deleted groups.
func (s *Service) List(ctx context.Context) ([]*store.Group, error) {
	return s.st.ListGroups(ctx)
}

// Update changes a group's name and/or settings. Access type is
// immutable after creation.
func (s *Service) Update(ctx context.Context, id, requester string, name *string, settings *store.GroupSettings) (*store.Group, error) {
	g, err := s.requireRole(ctx, id, requester, store.GroupRoleAdmin)
	if err != nil {
		return nil, err
	}
	_ = g
	return s.st.UpdateGroup(ctx, id, store.GroupUpdate{Name: name, Settings: settings})
}

// Delete removes a group. Only the owner may delete it.
func (s *Service) Delete(ctx context.Context, id, requester string) error {
	if _, err := s.requireRole(ctx, id, requester, store.GroupRoleOwner); err != nil {
		return err
	}
	return s.st.DeleteGroup(ctx, id)
}

// AddMember adds a member with the member role. Caller must be admin
// or owner.
func (s *Service) AddMember(ctx context.Context, id, requester, newMember string) (*store.Group, error) {
	g, err := s.requireRole(ctx, id, requester, store.GroupRoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.addMemberLocked(ctx, g, newMember, store.GroupRoleMember)
}

// RemoveMember removes a member. Caller must be admin or owner; a
// member may also remove themself.
func (s *Service) RemoveMember(ctx context.Context, id, requester, target string) (*store.Group, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if requester != target {
		if role, ok := roleOf(g, requester); !ok || (role != store.GroupRoleOwner && role != store.GroupRoleAdmin) {
			return nil, ErrForbiddenRole
		}
	}
	members := make([]store.GroupMember, 0, len(g.Members))
	for _, m := range g.Members {
		if m.AgentID != target {
			members = append(members, m)
		}
	}
	return s.st.UpdateGroup(ctx, id, store.GroupUpdate{Members: members})
}

// ListMembers returns a group's membership.
func (s *Service) ListMembers(ctx context.Context, id string) ([]store.GroupMember, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return g.Members, nil
}

// Join enrolls the caller per the group's access policy.
func (s *Service) Join(ctx context.Context, id, agentID, joinKey string) (*store.Group, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if _, ok := roleOf(g, agentID); ok {
		return nil, ErrAlreadyMember
	}
	switch g.Access.Type {
	case store.GroupAccessOpen:
	case store.GroupAccessKeyProtected:
		if hashKey(joinKey) != g.Access.JoinKeyHash {
			return nil, ErrWrongKey
		}
	case store.GroupAccessInviteOnly:
		return nil, ErrNotInvited
	}
	return s.addMemberLocked(ctx, g, agentID, store.GroupRoleMember)
}

// Invite adds agentID directly (bypassing self-service Join rules),
// used for invite-only groups. Caller must be admin or owner.
func (s *Service) Invite(ctx context.Context, id, requester, agentID string) (*store.Group, error) {
	g, err := s.requireRole(ctx, id, requester, store.GroupRoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.addMemberLocked(ctx, g, agentID, store.GroupRoleMember)
}

// Leave removes the caller from the group. The owner may not leave
// without first transferring ownership.
func (s *Service) Leave(ctx context.Context, id, agentID string) (*store.Group, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	role, ok := roleOf(g, agentID)
	if !ok {
		return nil, ErrNotFound
	}
	if role == store.GroupRoleOwner {
		return nil, ErrOwnerMustTransfer
	}
	members := make([]store.GroupMember, 0, len(g.Members))
	for _, m := range g.Members {
		if m.AgentID != agentID {
			members = append(members, m)
		}
	}
	return s.st.UpdateGroup(ctx, id, store.GroupUpdate{Members: members})
}

// PostResult reports the outcome of Post.
type PostResult struct {
	GroupMessageID string
	Delivered      int
	Failed         int
}

// Post fans a message out to every member other than the sender,
// deduplicated by group_message_id, via independent inbox sends with
// signature verification disabled (the group service is the attesting
// authority per the post-fanout contract).
func (s *Service) Post(ctx context.Context, groupID, sender, subject string, body any) (*PostResult, error) {
	g, err := s.st.GetGroup(ctx, groupID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if _, ok := roleOf(g, sender); !ok {
		return nil, ErrForbiddenRole
	}

	groupMessageID := idgen.NewGroupMessageID()
	now := time.Now()
	entry := &store.GroupHistoryEntry{
		GroupID: groupID, GroupMessageID: groupMessageID, Sender: sender,
		Subject: subject, Body: body, Timestamp: now,
	}
	if _, err := s.st.AppendGroupHistory(ctx, entry); err != nil {
		return nil, err
	}
	if s.mirror != nil {
		s.mirror.Mirror(ctx, groupID, entry)
	}

	result := &PostResult{GroupMessageID: groupMessageID}
	for _, m := range g.Members {
		if m.AgentID == sender {
			continue
		}
		env := store.Envelope{
			Version: "1.0", ID: idgen.NewMessageID(), Type: "group.message",
			From: sender, To: m.AgentID, Subject: subject, Body: body,
			Timestamp: now.UTC().Format(time.RFC3339), GroupMessageID: groupMessageID,
		}
		if _, err := s.inbox.Send(ctx, env, inbox.SendOptions{VerifySignature: false}); err != nil {
			slog.Warn("group fanout delivery failed", "group", groupID, "recipient", m.AgentID, "error", err)
			result.Failed++
			continue
		}
		result.Delivered++
	}
	return result, nil
}

// History returns newest-first group posts up to limit.
func (s *Service) History(ctx context.Context, groupID string, limit int) ([]*store.GroupHistoryEntry, error) {
	return s.st.ListGroupHistory(ctx, groupID, limit, time.Time{})
}

func (s *Service) addMemberLocked(ctx context.Context, g *store.Group, agentID string, role store.GroupRole) (*store.Group, error) {
	if _, ok := roleOf(g, agentID); ok {
		return g, nil
	}
	if g.Settings.MaxMembers > 0 && len(g.Members) >= g.Settings.MaxMembers {
		return nil, ErrGroupFull
	}
	members := append(append([]store.GroupMember(nil), g.Members...), store.GroupMember{
		AgentID: agentID, Role: role, JoinedAt: time.Now(),
	})
	return s.st.UpdateGroup(ctx, g.ID, store.GroupUpdate{Members: members})
}

func (s *Service) requireRole(ctx context.Context, id, requester string, min store.GroupRole) (*store.Group, error) {
	g, err := s.st.GetGroup(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	role, ok := roleOf(g, requester)
	if !ok {
		return nil, ErrForbiddenRole
	}
	if min == store.GroupRoleOwner && role != store.GroupRoleOwner {
		return nil, ErrForbiddenRole
	}
	if min == store.GroupRoleAdmin && role != store.GroupRoleOwner && role != store.GroupRoleAdmin {
		return nil, ErrForbiddenRole
	}
	return g, nil
}

func roleOf(g *store.Group, agentID string) (store.GroupRole, bool) {
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return m.Role, true
		}
	}
	return "", false
}

func hashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func translateNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
