package bus

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueConsume(t *testing.T) {
	b := NewPushBus(1)
	b.Enqueue(PushTask{MessageID: "m-1", Recipient: "agent://bob"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if task.MessageID != "m-1" || task.Recipient != "agent://bob" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	b := NewPushBus(1)
	b.Enqueue(PushTask{MessageID: "m-1"})
	b.Enqueue(PushTask{MessageID: "m-2"}) // dropped, queue already full

	if got := b.PendingTasks(); got != 1 {
		t.Fatalf("expected 1 pending task, got %d", got)
	}
}

func TestConsumeBlocksUntilCancelled(t *testing.T) {
	b := NewPushBus(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.Consume(ctx); err == nil {
		t.Fatal("expected context deadline error on empty bus")
	}
}

func TestPublishEventNotifiesSubscribers(t *testing.T) {
	b := NewPushBus(1)
	var gotAll, gotBob []DeliveryEvent
	b.Subscribe("", func(e DeliveryEvent) { gotAll = append(gotAll, e) })
	b.Subscribe("agent://bob", func(e DeliveryEvent) { gotBob = append(gotBob, e) })

	b.PublishEvent(DeliveryEvent{MessageID: "m-1", Recipient: "agent://bob", Attempt: 1, Success: true})
	b.PublishEvent(DeliveryEvent{MessageID: "m-2", Recipient: "agent://carol", Attempt: 1, Success: false})

	if len(gotAll) != 2 {
		t.Fatalf("expected wildcard subscriber to see both events, got %d", len(gotAll))
	}
	if len(gotBob) != 1 || gotBob[0].MessageID != "m-1" {
		t.Fatalf("expected recipient-scoped subscriber to see only its event, got %+v", gotBob)
	}
}
