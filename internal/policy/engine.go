// Package policy evaluates whether an inbound envelope may be queued
// into a recipient's inbox, per the optional recipient policy named in
// spec §4.4 step 5: an allowlist of subjects, a maximum body size, and
// a trust list.
package policy

import (
	"fmt"
	"time"
)

// Context holds the information policy needs to evaluate one envelope
// against one recipient's policy.
type Context struct {
	Sender        string
	Recipient     string
	Subject       string
	BodySizeBytes int
	SenderTrusted bool // resolved by the caller via the agent registry's trust list
	SenderBlocked bool
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow   bool
	Reason  string
	Ts      time.Time
}

// Engine evaluates whether an envelope may be delivered to a recipient.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine is the stock recipient-policy implementation; the inbox
// service applies whichever Engine its PolicyFor callback returns.
// A zero-value DefaultEngine allows everything except
// explicitly blocked senders.
type DefaultEngine struct {
	// AllowedSubjects, when non-empty, is the set of subjects this
	// recipient accepts; anything else is denied.
	AllowedSubjects map[string]bool
	// MaxBodyBytes, when > 0, bounds the accepted envelope body size.
	MaxBodyBytes int
	// RequireTrusted, when true, denies senders absent from the
	// recipient's trusted-agent set.
	RequireTrusted bool
}

// Evaluate applies the recipient's configured policy to ctx.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{Ts: time.Now()}

	if ctx.SenderBlocked {
		d.Reason = fmt.Sprintf("sender_blocked: %s", ctx.Sender)
		return d
	}

	if e.RequireTrusted && !ctx.SenderTrusted {
		d.Reason = fmt.Sprintf("sender_not_trusted: %s", ctx.Sender)
		return d
	}

	if len(e.AllowedSubjects) > 0 && !e.AllowedSubjects[ctx.Subject] {
		d.Reason = fmt.Sprintf("subject_not_allowed: %s", ctx.Subject)
		return d
	}

	if e.MaxBodyBytes > 0 && ctx.BodySizeBytes > e.MaxBodyBytes {
		d.Reason = fmt.Sprintf("body_too_large: %d > %d", ctx.BodySizeBytes, e.MaxBodyBytes)
		return d
	}

	d.Allow = true
	d.Reason = "allowed"
	return d
}

// AllowAll is a permissive engine for recipients with no configured
// policy restrictions.
type AllowAll struct{}

func (AllowAll) Evaluate(ctx Context) Decision {
	if ctx.SenderBlocked {
		return Decision{Allow: false, Reason: fmt.Sprintf("sender_blocked: %s", ctx.Sender), Ts: time.Now()}
	}
	return Decision{Allow: true, Reason: "allowed", Ts: time.Now()}
}
