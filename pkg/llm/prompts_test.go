package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPromptStampsClock(t *testing.T) {
	phases := []Phase{
		PhaseAnalyst, PhasePlanner, PhaseRefactor, PhaseUnitGenerator,
		PhaseUnitExecutor, PhaseNextState, PhaseWaitingHandler, PhaseResultSynthesiser,
	}

	for _, phase := range phases {
		prompt, err := SystemPrompt(phase)
		require.NoError(t, err, "phase %s", phase)
		assert.NotContains(t, prompt, "{{current_time}}", "phase %s", phase)
		assert.Contains(t, prompt, time.Now().UTC().Format("2006-01-02"), "phase %s", phase)
	}
}

func TestSystemPromptUnknownPhase(t *testing.T) {
	_, err := SystemPrompt(Phase("no-such-phase"))
	assert.Error(t, err)
}

func TestParseOwnerTime(t *testing.T) {
	got, err := ParseOwnerTime("2026-08-24 10:00:00", "Asia/Shanghai")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC), got)
}

func TestParseOwnerTimeUnknownZoneFallsBackToUTC(t *testing.T) {
	got, err := ParseOwnerTime("2026-08-24 10:00:00", "Not/AZone")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), got)
}

func TestParseOwnerTimeMalformed(t *testing.T) {
	_, err := ParseOwnerTime("tomorrow-ish", "UTC")
	assert.Error(t, err)
}
