package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

// UsageAccumulator aggregates token usage per session in Redis. Writes are
// fire-and-forget; a failed write is logged and dropped.
type UsageAccumulator struct {
	client redis.UniversalClient
}

// NewUsageAccumulator creates the accumulator over the shared Redis client.
func NewUsageAccumulator(client redis.UniversalClient) *UsageAccumulator {
	return &UsageAccumulator{client: client}
}

func usageKey(sessionID string) string {
	return fmt.Sprintf("llm:usage:%s", sessionID)
}

// Add records one call's token counts against the session.
func (a *UsageAccumulator) Add(sessionID string, tokens models.TokenCounts) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		key := usageKey(sessionID)
		pipe := a.client.Pipeline()
		pipe.HIncrBy(ctx, key, "input_tokens", tokens.InputTokens)
		pipe.HIncrBy(ctx, key, "output_tokens", tokens.OutputTokens)
		pipe.HIncrBy(ctx, key, "cached_tokens", tokens.CachedTokens)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Error("Failed to record token usage",
				"session_id", sessionID,
				"error", err)
		}
	}()
}

// Get reads the accumulated token counts for the session.
func (a *UsageAccumulator) Get(ctx context.Context, sessionID string) (models.TokenCounts, error) {
	vals, err := a.client.HGetAll(ctx, usageKey(sessionID)).Result()
	if err != nil {
		return models.TokenCounts{}, fmt.Errorf("failed to read token usage: %w", err)
	}
	var tokens models.TokenCounts
	fmt.Sscan(vals["input_tokens"], &tokens.InputTokens)
	fmt.Sscan(vals["output_tokens"], &tokens.OutputTokens)
	fmt.Sscan(vals["cached_tokens"], &tokens.CachedTokens)
	return tokens, nil
}
