package models

import (
	"encoding/json"
	"fmt"
)

// WaitingEnvelope is the JSON body stored in an assistant chat when a task
// pauses for user input.
type WaitingEnvelope struct {
	Message   string   `json:"message"`
	Replenish []string `json:"replenish"`
}

// Encode serialises the envelope for chat storage.
func (e WaitingEnvelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode waiting envelope: %w", err)
	}
	return string(b), nil
}

// DecodeWaitingEnvelope parses a stored assistant chat message.
func DecodeWaitingEnvelope(s string) (WaitingEnvelope, error) {
	var e WaitingEnvelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return WaitingEnvelope{}, fmt.Errorf("failed to decode waiting envelope: %w", err)
	}
	return e, nil
}

// TokenCounts is the usage sidechannel of one LLM call.
type TokenCounts struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// AuditMessage is the JSON blob written to the audit log. Task and Tokens
// are optional depending on the emitting phase.
type AuditMessage struct {
	Thinking string         `json:"thinking,omitempty"`
	Message  string         `json:"message,omitempty"`
	Task     map[string]any `json:"task,omitempty"`
	Tokens   *TokenCounts   `json:"tokens,omitempty"`
}

// Encode serialises the audit blob. Encoding failures degrade to a plain
// string so an audit write never blocks the engine.
func (m AuditMessage) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, m.Message)
	}
	return string(b)
}
