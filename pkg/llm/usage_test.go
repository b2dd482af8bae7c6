package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/models"
)

func TestUsageAccumulatorAddAndGet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	usage := llm.NewUsageAccumulator(client)
	ctx := context.Background()

	usage.Add("session-1", models.TokenCounts{InputTokens: 100, OutputTokens: 30, CachedTokens: 5})
	usage.Add("session-1", models.TokenCounts{InputTokens: 50, OutputTokens: 20, CachedTokens: 1})
	usage.Add("session-2", models.TokenCounts{InputTokens: 7})

	// Writes are fire-and-forget, so poll until both land.
	require.Eventually(t, func() bool {
		tokens, err := usage.Get(ctx, "session-1")
		return err == nil && tokens.InputTokens == 150
	}, 5*time.Second, 20*time.Millisecond)

	tokens, err := usage.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.TokenCounts{InputTokens: 150, OutputTokens: 50, CachedTokens: 6}, tokens)

	require.Eventually(t, func() bool {
		tokens, err := usage.Get(ctx, "session-2")
		return err == nil && tokens.InputTokens == 7
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUsageAccumulatorGetEmptySession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tokens, err := llm.NewUsageAccumulator(client).Get(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, models.TokenCounts{}, tokens)
}
