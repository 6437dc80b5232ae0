// Package webhookpush delivers freshly sent messages to a recipient's
// webhook URL with at-least-once, best-effort timing, never blocking
// the send path: tasks are drained from a bus.PushBus by an
// independent worker goroutine.
package webhookpush

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/admp/hub/internal/bus"
	"github.com/admp/hub/internal/cryptoutil"
	"github.com/admp/hub/internal/store"
)

// RetryDelays is the fixed backoff schedule: 0s, 1s, 2s (total ≤ 3s).
var RetryDelays = []time.Duration{0, time.Second, 2 * time.Second}

// Config tunes the worker.
type Config struct {
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
}

// Worker drains push tasks from a bus and delivers them.
type Worker struct {
	st     store.Store
	push   *bus.PushBus
	client *http.Client
	cfg    Config
}

// New creates a webhook push worker.
func New(st store.Store, push *bus.PushBus, cfg Config) *Worker {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Worker{
		st:     st,
		push:   push,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
	}
}

// Run drains tasks until ctx is cancelled, then allows in-flight
// deliveries a bounded grace period to finish.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.push.Consume(ctx)
		if err != nil {
			return
		}
		dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, func() { time.AfterFunc(w.cfg.ShutdownGrace, cancel) })
		w.deliver(dctx, task)
		stop()
		cancel()
	}
}

// deliver attempts up to len(RetryDelays) deliveries sequentially per
// message, per the retry policy. Final failure leaves the message
// queued in the recipient's inbox — webhook failures never surface to
// the sender.
func (w *Worker) deliver(ctx context.Context, task bus.PushTask) {
	msg, err := w.st.GetMessage(ctx, task.MessageID)
	if err != nil {
		return
	}
	recipient, err := w.st.GetAgent(ctx, task.Recipient)
	if err != nil || recipient.WebhookURL == "" {
		return
	}

	payload := map[string]any{
		"event":        "message.received",
		"message_id":   msg.ID,
		"envelope":     msg.Envelope,
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
		"signature":    nil,
	}
	sig, err := cryptoutil.SignWebhookPayload(recipient.WebhookSecret, payload)
	if err != nil {
		slog.Warn("webhook signing failed", "message", msg.ID, "error", err)
		return
	}
	payload["signature"] = sig
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("webhook payload marshal failed", "message", msg.ID, "error", err)
		return
	}

	for attempt, delay := range RetryDelays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		ok := w.attempt(ctx, recipient.WebhookURL, body, msg.ID, attempt+1)
		w.push.PublishEvent(bus.DeliveryEvent{
			MessageID: msg.ID, Recipient: task.Recipient, Attempt: attempt + 1, Success: ok,
		})
		if ok {
			return
		}
	}
	slog.Info("webhook delivery exhausted retries; message remains queued", "message", msg.ID, "recipient", task.Recipient)
}

func (w *Worker) attempt(ctx context.Context, url string, body []byte, messageID string, attemptNum int) bool {
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ADMP-Server/1.0")
	req.Header.Set("X-ADMP-Event", "message.received")
	req.Header.Set("X-ADMP-Message-ID", messageID)
	req.Header.Set("X-ADMP-Delivery-Attempt", strconv.Itoa(attemptNum))

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery attempt failed", "message", messageID, "attempt", attemptNum, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	slog.Warn("webhook delivery attempt rejected", "message", messageID, "attempt", attemptNum, "status", resp.StatusCode)
	return false
}

