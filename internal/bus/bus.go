// Package bus decouples the inbox service's send path from the webhook
// push worker: sending a message enqueues a push task and returns
// immediately, while an independent goroutine drains the queue and
// performs the outbound HTTP POST. This is the same channel-backed
// publish/consume/subscribe shape the hub originally used to decouple
// chat channels from its agent core, repointed at webhook dispatch.
package bus

import (
	"context"
	"sync"
)

// PushTask is one outbound webhook delivery attempt request, enqueued
// by the inbox service and drained by webhookpush.Worker.
type PushTask struct {
	MessageID string
	Recipient string
}

// DeliveryEvent reports the outcome of a push attempt to interested
// subscribers (used by tests and by observability hooks).
type DeliveryEvent struct {
	MessageID string
	Recipient string
	Attempt   int
	Success   bool
}

// PushBus is the in-process queue between the inbox service and the
// webhook push worker.
type PushBus struct {
	tasks  chan PushTask
	events chan DeliveryEvent
	subs   map[string][]func(DeliveryEvent)
	mu     sync.RWMutex
}

// NewPushBus creates a push bus with the given task queue depth.
func NewPushBus(capacity int) *PushBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &PushBus{
		tasks:  make(chan PushTask, capacity),
		events: make(chan DeliveryEvent, capacity),
		subs:   make(map[string][]func(DeliveryEvent)),
	}
}

// Enqueue schedules a push task without blocking the caller. If the
// queue is full the task is dropped silently — webhook delivery is
// best-effort and the message remains pollable from the inbox
// regardless.
func (b *PushBus) Enqueue(task PushTask) {
	select {
	case b.tasks <- task:
	default:
	}
}

// Consume blocks until a task is available or ctx is cancelled.
func (b *PushBus) Consume(ctx context.Context) (PushTask, error) {
	select {
	case t := <-b.tasks:
		return t, nil
	case <-ctx.Done():
		return PushTask{}, ctx.Err()
	}
}

// Subscribe registers a callback invoked for every delivery event for
// the given recipient ("" subscribes to all recipients).
func (b *PushBus) Subscribe(recipient string, callback func(DeliveryEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[recipient] = append(b.subs[recipient], callback)
}

// PublishEvent notifies subscribers of a delivery outcome.
func (b *PushBus) PublishEvent(e DeliveryEvent) {
	b.mu.RLock()
	callbacks := append(append([]func(DeliveryEvent){}, b.subs[e.Recipient]...), b.subs[""]...)
	b.mu.RUnlock()
	for _, cb := range callbacks {
		cb(e)
	}
}

// PendingTasks returns the number of queued push tasks.
func (b *PushBus) PendingTasks() int {
	return len(b.tasks)
}
