// Package llm is the façade over the OpenAI-compatible chat API: every call
// renders a phase prompt, requests a JSON object, and deserialises it into
// the phase's typed output while sidechannelling token usage.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

// Config carries the chat API credentials and per-call limits.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LoadConfigFromEnv reads the LLM configuration from the environment.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL: os.Getenv("LLM_BASE_URL"),
		APIKey:  os.Getenv("LLM_API_KEY"),
		Model:   os.Getenv("LLM_MODEL"),
		Timeout: 5 * time.Minute,
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1"
	}
	if raw := os.Getenv("LLM_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Timeout = d
		}
	}
	return cfg
}

// Message is one prompt message.
type Message struct {
	Role    models.MessageRole
	Content string
}

// Client runs structured chat completions.
type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
	usage   *UsageAccumulator
}

// NewClient creates an LLM client. usage may be nil to disable accounting.
func NewClient(cfg Config, usage *UsageAccumulator) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		api:     openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		usage:   usage,
	}
}

// Run renders the phase system prompt, sends the messages, and unmarshals the
// JSON reply into out. Token usage is recorded against the session.
func (c *Client) Run(ctx context.Context, sessionID string, phase Phase, messages []Message, out any) (models.TokenCounts, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	system, err := SystemPrompt(phase)
	if err != nil {
		return models.TokenCounts{}, err
	}
	params.Messages = append(params.Messages, openai.SystemMessage(system))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case models.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return models.TokenCounts{}, fmt.Errorf("chat completion failed for phase %s: %w", phase, err)
	}
	if len(resp.Choices) == 0 {
		return models.TokenCounts{}, errors.New("chat completion returned no choices")
	}

	tokens := models.TokenCounts{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CachedTokens: resp.Usage.PromptTokensDetails.CachedTokens,
	}
	if c.usage != nil {
		c.usage.Add(sessionID, tokens)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		slog.Error("Failed to parse structured completion",
			"phase", phase,
			"session_id", sessionID,
			"error", err)
		return tokens, fmt.Errorf("failed to parse completion for phase %s: %w", phase, err)
	}
	return tokens, nil
}
