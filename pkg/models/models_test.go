package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

func TestKeywordsRoundTrip(t *testing.T) {
	k := models.Keywords{"metrics", "weekly", "sales"}
	assert.Equal(t, "metrics,weekly,sales", k.Join())
	assert.Equal(t, k, models.SplitKeywords(k.Join()))
}

func TestSplitKeywordsDropsEmpties(t *testing.T) {
	assert.Nil(t, models.SplitKeywords(""))
	assert.Equal(t, models.Keywords{"a", "b"}, models.SplitKeywords(" a , , b ,"))
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []models.TaskState{
		models.TaskStateFinished, models.TaskStateFailed, models.TaskStateCancelled,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s", s)
	}

	live := []models.TaskState{
		models.TaskStateInitial, models.TaskStateQueuing, models.TaskStateActivating,
		models.TaskStateWaiting, models.TaskStateScheduling, models.TaskStateUpdating,
	}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "state %s", s)
	}
}

func TestPlannerStateValidity(t *testing.T) {
	assert.True(t, models.PlannerStateActivating.Valid())
	assert.True(t, models.PlannerStateScheduling.Valid())
	assert.False(t, models.PlannerState("initial").Valid(), "admission-only states are not planner decisions")
	assert.False(t, models.PlannerState("").Valid())

	assert.Equal(t, models.TaskStateScheduling, models.PlannerStateScheduling.TaskState())
}

func TestUnitStateTerminal(t *testing.T) {
	assert.True(t, models.UnitStateComplete.IsTerminal())
	assert.True(t, models.UnitStateCancelled.IsTerminal())
	assert.False(t, models.UnitStateCreated.IsTerminal())
	assert.False(t, models.UnitStateRunning.IsTerminal())
}

func TestWaitingEnvelopeRoundTrip(t *testing.T) {
	encoded, err := models.WaitingEnvelope{
		Message:   "Who should receive the report?",
		Replenish: []string{"recipient list"},
	}.Encode()
	require.NoError(t, err)

	decoded, err := models.DecodeWaitingEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, "Who should receive the report?", decoded.Message)
	assert.Equal(t, []string{"recipient list"}, decoded.Replenish)

	_, err = models.DecodeWaitingEnvelope("not json")
	assert.Error(t, err)
}

func TestAuditMessageEncode(t *testing.T) {
	encoded := models.AuditMessage{
		Thinking: "reasoning",
		Message:  "round dispatched",
		Tokens:   &models.TokenCounts{InputTokens: 10, OutputTokens: 5},
	}.Encode()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Equal(t, "reasoning", decoded["thinking"])
	assert.Equal(t, "round dispatched", decoded["message"])
	assert.NotContains(t, decoded, "task", "empty optional fields are omitted")
}
