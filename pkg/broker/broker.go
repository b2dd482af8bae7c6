package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Broker publishes envelopes onto topics. It is safe for concurrent use; the
// underlying Redis client is shared.
type Broker struct {
	client redis.UniversalClient
}

// New creates a Broker over the shared Redis client.
func New(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

// Send appends a task message to the topic and returns the stream entry id.
// It never blocks on consumers.
func (b *Broker) Send(ctx context.Context, topic string, msg TaskMessage) (string, error) {
	payload, err := NewEnvelope(msg).Encode()
	if err != nil {
		return "", err
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// sendDeadLetter appends a failed envelope, annotated with the handler error,
// to the topic's dead-letter stream. Retention is bounded.
func (b *Broker) sendDeadLetter(ctx context.Context, topic string, env Envelope, handlerErr error) error {
	env.ExcInfo = handlerErr.Error()
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQTopic(topic),
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", DLQTopic(topic), err)
	}
	return nil
}
