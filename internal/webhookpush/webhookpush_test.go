package webhookpush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/admp/hub/internal/bus"
	"github.com/admp/hub/internal/store"
	"github.com/admp/hub/internal/store/memstore"
)

func TestDeliverySucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		gotSig, _ = payload["signature"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memstore.New()
	ctx := context.Background()
	st.CreateAgent(ctx, &store.Agent{AgentID: "agent://bob", WebhookURL: srv.URL, WebhookSecret: "shh"})
	st.CreateMessage(ctx, &store.Message{
		ID: "m-1", Recipient: "agent://bob", Status: store.MessageQueued,
		Envelope: store.Envelope{ID: "m-1", From: "agent://alice", To: "agent://bob", Subject: "ping"},
		CreatedAt: time.Now(),
	})

	push := bus.NewPushBus(10)
	w := New(st, push, Config{RequestTimeout: time.Second})
	w.deliver(ctx, bus.PushTask{MessageID: "m-1", Recipient: "agent://bob"})

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly 1 delivery attempt, got %d", hits)
	}
	if gotSig == "" {
		t.Fatal("expected a non-empty HMAC signature")
	}
}

func TestDeliveryPublishesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memstore.New()
	ctx := context.Background()
	st.CreateAgent(ctx, &store.Agent{AgentID: "agent://bob", WebhookURL: srv.URL, WebhookSecret: "shh"})
	st.CreateMessage(ctx, &store.Message{
		ID: "m-event", Recipient: "agent://bob", Status: store.MessageQueued,
		Envelope: store.Envelope{ID: "m-event", From: "agent://alice", To: "agent://bob"},
		CreatedAt: time.Now(),
	})

	push := bus.NewPushBus(10)
	var events []bus.DeliveryEvent
	push.Subscribe("", func(e bus.DeliveryEvent) { events = append(events, e) })

	w := New(st, push, Config{RequestTimeout: time.Second})
	w.deliver(ctx, bus.PushTask{MessageID: "m-event", Recipient: "agent://bob"})

	if len(events) != 1 {
		t.Fatalf("expected 1 delivery event, got %d", len(events))
	}
	if !events[0].Success || events[0].MessageID != "m-event" || events[0].Attempt != 1 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDeliveryRetriesThenGivesUp(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := memstore.New()
	ctx := context.Background()
	st.CreateAgent(ctx, &store.Agent{AgentID: "agent://bob", WebhookURL: srv.URL, WebhookSecret: "shh"})
	st.CreateMessage(ctx, &store.Message{
		ID: "m-2", Recipient: "agent://bob", Status: store.MessageQueued,
		Envelope: store.Envelope{ID: "m-2", From: "agent://alice", To: "agent://bob"},
		CreatedAt: time.Now(),
	})

	push := bus.NewPushBus(10)
	w := New(st, push, Config{RequestTimeout: time.Second})
	w.deliver(ctx, bus.PushTask{MessageID: "m-2", Recipient: "agent://bob"})

	if atomic.LoadInt32(&hits) != int32(len(RetryDelays)) {
		t.Fatalf("expected %d attempts, got %d", len(RetryDelays), hits)
	}

	msg, err := st.GetMessage(ctx, "m-2")
	if err != nil || msg.Status != store.MessageQueued {
		t.Fatalf("expected message to remain queued after exhausted retries, got %v err=%v", msg, err)
	}
}
