package group

import (
	"context"
	"encoding/json"
	"log/slog"

	kafka "github.com/segmentio/kafka-go"

	"github.com/admp/hub/internal/store"
)

// KafkaMirror asynchronously mirrors group posts to an audit topic.
// It is additive and non-blocking: a publish failure is logged and
// never fails the post.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror creates a mirror writing to the given brokers/topic.
func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			Async:        true,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Mirror publishes a history entry to the audit topic.
func (k *KafkaMirror) Mirror(ctx context.Context, groupID string, entry *store.GroupHistoryEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("kafka mirror: marshal failed", "group", groupID, "error", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(groupID), Value: payload}); err != nil {
		slog.Warn("kafka mirror: publish failed", "group", groupID, "error", err)
	}
}

// Close releases the underlying Kafka connection.
func (k *KafkaMirror) Close() error {
	return k.writer.Close()
}
