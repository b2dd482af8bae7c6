package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(TaskMessage{TaskID: 42})

	payload, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded.Content.TaskID)
	assert.Empty(t, decoded.ExcInfo)
	assert.WithinDuration(t, time.Now().UTC(), decoded.Metadata.CreatedAt, time.Minute)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope("not json")
	assert.Error(t, err)
}

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "ready-tasks-dlq", DLQTopic(TopicReady))
	assert.Equal(t, "running-tasks_group", GroupName(TopicRunning))
}

func TestConsumerConfigDefaults(t *testing.T) {
	cfg := ConsumerConfig{Topic: TopicReview}.withDefaults()

	assert.Equal(t, "review-tasks_group", cfg.Group)
	assert.Equal(t, 1, cfg.Listeners)
	assert.Equal(t, 1, cfg.WorkersPerListener)
	assert.Equal(t, 10*time.Second, cfg.BlockTimeout)
}
