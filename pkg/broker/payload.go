// Package broker implements the durable work queue on Redis Streams:
// append-only topics with consumer groups, per-message acknowledgement, and a
// dead-letter stream for envelopes whose handler failed.
package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names are fixed by the scheduler wiring.
const (
	TopicReady   = "ready-tasks"
	TopicRunning = "running-tasks"
	TopicReview  = "review-tasks"
)

const (
	// dlqSuffix names the dead-letter stream of a topic.
	dlqSuffix = "-dlq"
	// dlqMaxLen bounds dead-letter retention per topic.
	dlqMaxLen = 1000
	// payloadField is the single stream field carrying the JSON envelope.
	payloadField = "payload"
)

// DLQTopic returns the dead-letter stream name for a topic.
func DLQTopic(topic string) string { return topic + dlqSuffix }

// GroupName returns the consumer group name for a topic.
func GroupName(topic string) string { return topic + "_group" }

// TaskMessage is the content of every envelope on the three task topics.
type TaskMessage struct {
	TaskID int64 `json:"task_id"`
}

// Metadata carries per-envelope bookkeeping.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
}

// Envelope wraps a message on the wire. ExcInfo is set only on dead-letter
// copies and records the handler failure.
type Envelope struct {
	Metadata Metadata    `json:"metadata"`
	Content  TaskMessage `json:"content"`
	ExcInfo  string      `json:"exc_info,omitempty"`
}

// NewEnvelope wraps content with fresh metadata.
func NewEnvelope(content TaskMessage) Envelope {
	return Envelope{
		Metadata: Metadata{CreatedAt: time.Now().UTC()},
		Content:  content,
	}
}

// Encode serialises the envelope for the stream.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(b), nil
}

// DecodeEnvelope parses a stream payload.
func DecodeEnvelope(s string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}
