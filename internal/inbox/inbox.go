// Package inbox is the centerpiece service: it enforces the full
// message lifecycle from send through ack/nack/reply, lease
// visibility timeouts, TTL expiry, and reclaim.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admp/hub/internal/agentsvc"
	"github.com/admp/hub/internal/bus"
	"github.com/admp/hub/internal/cryptoutil"
	"github.com/admp/hub/internal/policy"
	"github.com/admp/hub/internal/store"
)

// pushBusBacklogWarnThreshold is the pending-task count past which the
// webhook push queue is considered backed up and worth a log line.
const pushBusBacklogWarnThreshold = 50

// Errors surfaced by Service operations, matching the error taxonomy
// of the external interface.
var (
	ErrInvalidEnvelope  = errors.New("invalid_envelope")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidTimestamp = errors.New("invalid_timestamp")
	ErrRecipientNotFound = errors.New("recipient_not_found")
	ErrPolicyDenied     = errors.New("policy_denied")
	ErrNotFound         = errors.New("not_found")
	ErrNotOwner         = errors.New("not_owner")
	ErrInvalidState     = errors.New("invalid_state")
)

// Config holds the inbox's tunable defaults.
type Config struct {
	DefaultTTL         time.Duration
	DefaultVisibility  time.Duration
	MaxAttempts        int
	MaxLeaseExtension  time.Duration
}

// PolicyFor resolves the recipient policy engine to apply for a given
// agent id. Return nil to skip policy evaluation entirely.
type PolicyFor func(ctx context.Context, recipient string) (policy.Engine, error)

// Service implements the message lifecycle against a Store.
type Service struct {
	st       store.Store
	agents   *agentsvc.Service
	cfg      Config
	policyFn PolicyFor
	pushBus  *bus.PushBus
}

// New creates an inbox service. policyFn and pushBus may be nil.
func New(st store.Store, agents *agentsvc.Service, cfg Config, policyFn PolicyFor, pushBus *bus.PushBus) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.DefaultVisibility <= 0 {
		cfg.DefaultVisibility = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxLeaseExtension <= 0 {
		cfg.MaxLeaseExtension = time.Hour
	}
	return &Service{st: st, agents: agents, cfg: cfg, policyFn: policyFn, pushBus: pushBus}
}

// SendOptions tunes a single send call.
type SendOptions struct {
	// VerifySignature checks a signed envelope against the sender's
	// registered key. The zero value skips verification; group and
	// round-table fanout pass false.
	VerifySignature bool
}

// SendResult is returned from Send.
type SendResult struct {
	ID      string
	Status  store.MessageStatus
	Created bool // false when the send was an idempotent dedupe hit
}

// Send validates, verifies, and queues an envelope.
func (s *Service) Send(ctx context.Context, env store.Envelope, opts SendOptions) (*SendResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	if opts.VerifySignature && env.Signature != nil {
		sender, err := s.st.GetAgent(ctx, env.From)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrInvalidSignature
			}
			return nil, err
		}
		keys := agentsvc.ActiveVerificationKeys(sender, time.Now())
		base := cryptoutil.SigningBase{
			Timestamp:     env.Timestamp,
			Body:          env.Body,
			From:          env.From,
			To:            env.To,
			CorrelationID: env.CorrelationID,
		}
		if err := cryptoutil.Verify(keys, base, env.Signature.Sig); err != nil {
			return nil, ErrInvalidSignature
		}
	}

	if err := cryptoutil.ValidateTimestamp(env.Timestamp, time.Now()); err != nil {
		return nil, ErrInvalidTimestamp
	}

	recipient, err := s.st.GetAgent(ctx, env.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}

	if s.policyFn != nil {
		eng, err := s.policyFn(ctx, env.To)
		if err != nil {
			return nil, err
		}
		if eng != nil {
			sender := env.From
			trusted, blocked := false, false
			if s.agents != nil {
				trusted, _ = s.agents.IsTrusted(ctx, env.To, sender)
				blocked, _ = s.agents.IsBlocked(ctx, env.To, sender)
			}
			bodySize, _ := approxJSONSize(env.Body)
			d := eng.Evaluate(policy.Context{
				Sender: sender, Recipient: env.To, Subject: env.Subject,
				BodySizeBytes: bodySize, SenderTrusted: trusted, SenderBlocked: blocked,
			})
			if !d.Allow {
				return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, d.Reason)
			}
		}
	}

	ttl := env.TTLSec
	if ttl <= 0 {
		ttl = int(s.cfg.DefaultTTL.Seconds())
	}
	env.TTLSec = ttl

	msg := &store.Message{
		ID:             env.ID,
		Recipient:      env.To,
		Envelope:       env,
		Status:         store.MessageQueued,
		Attempts:       0,
		CreatedAt:      time.Now(),
		CorrelationID:  env.CorrelationID,
		GroupMessageID: env.GroupMessageID,
	}
	stored, created, err := s.st.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if created && recipient.WebhookURL != "" && s.pushBus != nil {
		s.pushBus.Enqueue(bus.PushTask{MessageID: stored.ID, Recipient: stored.Recipient})
		if pending := s.pushBus.PendingTasks(); pending > pushBusBacklogWarnThreshold {
			slog.Warn("webhook push queue backlog building up", "pending", pending)
		}
	}

	return &SendResult{ID: stored.ID, Status: stored.Status, Created: created}, nil
}

// Pull leases the next queued message for an agent, or returns nil if
// the inbox is empty.
func (s *Service) Pull(ctx context.Context, agentID string, visibilityTimeout time.Duration) (*store.Message, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = s.cfg.DefaultVisibility
	}
	for {
		m, err := s.st.LeaseNext(ctx, agentID, visibilityTimeout)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if m.Attempts > s.cfg.MaxAttempts {
			failed := store.MessageFailed
			if _, err := s.st.UpdateMessage(ctx, m.ID, store.MessageUpdate{Status: &failed}); err != nil {
				return nil, err
			}
			continue
		}
		return m, nil
	}
}

// Ack acknowledges a leased message.
func (s *Service) Ack(ctx context.Context, agentID, messageID string, result any) (*store.Message, error) {
	m, err := s.st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if m.Recipient != agentID {
		return nil, ErrNotOwner
	}
	if m.Status != store.MessageLeased {
		return nil, ErrInvalidState
	}
	now := time.Now()
	status := store.MessageAcked
	return s.st.UpdateMessage(ctx, messageID, store.MessageUpdate{Status: &status, AckedAt: &now, Result: result, ResultSet: true})
}

// NackOptions controls a nack call; ExtendSec wins over Requeue when
// both are set.
type NackOptions struct {
	Requeue   bool
	ExtendSec int
}

// Nack either extends a leased message's visibility or requeues it.
func (s *Service) Nack(ctx context.Context, agentID, messageID string, opts NackOptions) (*store.Message, error) {
	m, err := s.st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if m.Recipient != agentID {
		return nil, ErrNotOwner
	}
	if m.Status != store.MessageLeased {
		return nil, ErrInvalidState
	}

	if opts.ExtendSec > 0 {
		extension := time.Duration(opts.ExtendSec) * time.Second
		if extension > s.cfg.MaxLeaseExtension {
			extension = s.cfg.MaxLeaseExtension
		}
		newDeadline := time.Now().Add(extension)
		return s.st.UpdateMessage(ctx, messageID, store.MessageUpdate{LeaseUntil: ptrToPtr(&newDeadline)})
	}

	status := store.MessageQueued
	var nilTime *time.Time
	return s.st.UpdateMessage(ctx, messageID, store.MessageUpdate{Status: &status, LeaseUntil: ptrToPtr(nilTime)})
}

// Reply fills to/from/correlation_id from the original message and
// delegates to Send.
func (s *Service) Reply(ctx context.Context, agentID, originalMessageID string, env store.Envelope, opts SendOptions) (*SendResult, error) {
	orig, err := s.st.GetMessage(ctx, originalMessageID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	env.To = orig.Envelope.From
	env.From = agentID
	env.CorrelationID = orig.ID
	return s.Send(ctx, env, opts)
}

// StatusView is the public status projection of a message.
type StatusView struct {
	ID         string
	Status     store.MessageStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Attempts   int
	LeaseUntil *time.Time
	AckedAt    *time.Time
}

// GetStatus returns the lifecycle status of a message.
func (s *Service) GetStatus(ctx context.Context, messageID string) (*StatusView, error) {
	m, err := s.st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &StatusView{
		ID: m.ID, Status: m.Status, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
		Attempts: m.Attempts, LeaseUntil: m.LeaseUntil, AckedAt: m.AckedAt,
	}, nil
}

// ReclaimExpiredLeases requeues leased messages past their deadline.
func (s *Service) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	return s.st.ReclaimExpiredLeases(ctx, now)
}

// ExpireOldMessages transitions queued messages past their TTL to
// expired.
func (s *Service) ExpireOldMessages(ctx context.Context, now time.Time) (int, error) {
	return s.st.ExpireOldMessages(ctx, now)
}

// Stats is the per-status count breakdown for an agent's inbox.
type Stats struct {
	Queued  int
	Leased  int
	Acked   int
	Nacked  int
	Failed  int
	Expired int
}

// GetStats returns per-status counts for an agent's inbox. This backs
// GET /api/agents/:id/inbox/stats.
func (s *Service) GetStats(ctx context.Context, agentID string) (*Stats, error) {
	msgs, err := s.st.ListMessages(ctx, agentID, store.MessageFilter{})
	if err != nil {
		return nil, err
	}
	var st Stats
	for _, m := range msgs {
		switch m.Status {
		case store.MessageQueued:
			st.Queued++
		case store.MessageLeased:
			st.Leased++
		case store.MessageAcked:
			st.Acked++
		case store.MessageNacked:
			st.Nacked++
		case store.MessageFailed:
			st.Failed++
		case store.MessageExpired:
			st.Expired++
		}
	}
	return &st, nil
}

func validateEnvelope(env store.Envelope) error {
	if env.Version == "" || env.ID == "" || env.From == "" || env.To == "" || env.Timestamp == "" {
		return ErrInvalidEnvelope
	}
	return nil
}

func translateNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func ptrToPtr(t *time.Time) **time.Time {
	return &t
}

func approxJSONSize(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
