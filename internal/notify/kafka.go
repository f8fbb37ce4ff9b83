package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaNotifier publishes notification requests to a topic for a downstream
// delivery service (email/SMS gateway) to consume. Produce is asynchronous;
// delivery failures are logged via the callback, matching the engine's
// fire-and-forget contract.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

type notificationPayload struct {
	Destination string    `json:"destination"`
	Message     string    `json:"message"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewKafkaNotifier connects to the given brokers.
func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) (*KafkaNotifier, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaNotifier{client: client, topic: topic, logger: logger}, nil
}

func (n *KafkaNotifier) Send(ctx context.Context, destination, message string) error {
	payload, err := json.Marshal(notificationPayload{
		Destination: destination,
		Message:     message,
		EnqueuedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(destination),
		Value: payload,
	}
	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			n.logger.Error("notification publish failed",
				"destination", destination,
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes pending produces and releases the client.
func (n *KafkaNotifier) Close() {
	n.client.Close()
}
