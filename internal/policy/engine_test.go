package policy

import "testing"

func TestDefaultEngineBlockedSenderAlwaysDenied(t *testing.T) {
	e := &DefaultEngine{}
	d := e.Evaluate(Context{Sender: "agent://mallory", SenderBlocked: true})
	if d.Allow {
		t.Fatal("expected blocked sender to be denied")
	}
}

func TestDefaultEngineRequireTrusted(t *testing.T) {
	e := &DefaultEngine{RequireTrusted: true}
	if d := e.Evaluate(Context{Sender: "agent://alice", SenderTrusted: false}); d.Allow {
		t.Fatal("expected untrusted sender to be denied")
	}
	if d := e.Evaluate(Context{Sender: "agent://alice", SenderTrusted: true}); !d.Allow {
		t.Fatalf("expected trusted sender to be allowed, got reason %q", d.Reason)
	}
}

func TestDefaultEngineAllowedSubjects(t *testing.T) {
	e := &DefaultEngine{AllowedSubjects: map[string]bool{"ping": true}}
	if d := e.Evaluate(Context{Subject: "ping"}); !d.Allow {
		t.Fatalf("expected allowed subject to pass, got %q", d.Reason)
	}
	if d := e.Evaluate(Context{Subject: "spam"}); d.Allow {
		t.Fatal("expected disallowed subject to be denied")
	}
}

func TestDefaultEngineMaxBodySize(t *testing.T) {
	e := &DefaultEngine{MaxBodyBytes: 10}
	if d := e.Evaluate(Context{BodySizeBytes: 5}); !d.Allow {
		t.Fatalf("expected small body to pass, got %q", d.Reason)
	}
	if d := e.Evaluate(Context{BodySizeBytes: 50}); d.Allow {
		t.Fatal("expected oversized body to be denied")
	}
}

func TestAllowAll(t *testing.T) {
	e := AllowAll{}
	if d := e.Evaluate(Context{Sender: "agent://alice"}); !d.Allow {
		t.Fatalf("expected AllowAll to allow, got %q", d.Reason)
	}
	if d := e.Evaluate(Context{Sender: "agent://mallory", SenderBlocked: true}); d.Allow {
		t.Fatal("expected AllowAll to still deny blocked senders")
	}
}
