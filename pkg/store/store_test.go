package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
	"github.com/xyzplatform/dispatchd/test/util"
)

func seedTask(t *testing.T, st *store.Store, sessionID string, state models.TaskState, expectAt time.Time) *models.Task {
	t.Helper()
	ctx := context.Background()

	workspace, err := st.CreateWorkspace(ctx, "# PRD\nDo the thing")
	require.NoError(t, err)

	task, err := st.CreateTask(ctx, models.TaskCreate{
		SessionID:         sessionID,
		Owner:             "alice",
		OwnerTimezone:     "UTC",
		Name:              "seeded task",
		OriginalUserInput: "do the thing",
		Keywords:          models.Keywords{"thing", "seeded"},
		MCPServerInfos:    map[string]any{"search": "http://search.local"},
		ExpectExecuteTime: expectAt,
		WorkspaceID:       workspace.ID,
	})
	require.NoError(t, err)

	if state != models.TaskStateInitial {
		require.NoError(t, st.SetTaskState(ctx, task.ID, state))
		task.State = state
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateInitial, got.State)
	assert.Equal(t, models.Keywords{"thing", "seeded"}, got.Keywords)
	assert.Equal(t, "http://search.local", got.MCPServerInfos["search"])
	require.NotNil(t, got.Workspace)
	assert.Equal(t, "# PRD\nDo the thing", got.Workspace.PRD)
}

func TestCreateTaskRejectsBoundWorkspace(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())

	_, err := st.CreateTask(ctx, models.TaskCreate{
		SessionID:         "session-1",
		Owner:             "alice",
		OwnerTimezone:     "UTC",
		Name:              "squatter",
		OriginalUserInput: "reuse the workspace",
		ExpectExecuteTime: time.Now().UTC(),
		WorkspaceID:       task.WorkspaceID,
	})
	assert.ErrorIs(t, err, store.ErrWorkspaceBound)

	// Deleting the task releases the workspace binding.
	require.NoError(t, st.DeleteTask(ctx, task.ID))
	bound, err := st.WorkspaceHasBind(ctx, task.WorkspaceID)
	require.NoError(t, err)
	assert.False(t, bound)
}

func TestGetTaskMissing(t *testing.T) {
	st, _ := util.SetupTestStore(t)

	_, err := st.GetTask(context.Background(), 999999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetTaskLoadsRecentTenChats(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())
	for i := 0; i < 12; i++ {
		_, err := st.CreateChat(ctx, task.ID, models.RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Chats, 10)
	// The two oldest messages fall outside the window.
	assert.Equal(t, "message 2", got.Chats[0].Message)
	assert.Equal(t, "message 11", got.Chats[9].Message)
}

func TestUpdateTaskPartial(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())

	round := uuid.New()
	name := "renamed"
	require.NoError(t, st.UpdateTask(ctx, task.ID, models.TaskUpdate{
		Name:        &name,
		CurrRoundID: &round,
	}))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.NotNil(t, got.CurrRoundID)
	assert.Equal(t, round, *got.CurrRoundID)
	assert.Equal(t, "do the thing", got.OriginalUserInput)

	require.NoError(t, st.UpdateTask(ctx, task.ID, models.TaskUpdate{
		ClearRoundIDs:   true,
		ClearLastedTime: true,
		Keywords:        &models.Keywords{},
	}))

	got, err = st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrRoundID)
	assert.Nil(t, got.LastedExecuteTime)
	assert.Empty(t, got.Keywords)
}

func TestUpdateTaskMissing(t *testing.T) {
	st, _ := util.SetupTestStore(t)

	name := "ghost"
	err := st.UpdateTask(context.Background(), 424242, models.TaskUpdate{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchDueTaskIDsClaimsAndOrders(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	later := seedTask(t, st, "session-1", models.TaskStateInitial, past.Add(30*time.Minute))
	earlier := seedTask(t, st, "session-1", models.TaskStateScheduling, past)
	seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC().Add(time.Hour)) // not due
	terminal := seedTask(t, st, "session-1", models.TaskStateFinished, past)

	ids, err := st.DispatchDueTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{earlier.ID, later.ID}, ids)

	for _, id := range ids {
		got, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStateQueuing, got.State)
		assert.NotNil(t, got.LastedExecuteTime)
	}

	got, err := st.GetTask(ctx, terminal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFinished, got.State)

	// A claimed task is not claimed again.
	ids, err = st.DispatchDueTaskIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDispatchDueTaskIDsConcurrentClaimsAreDisjoint(t *testing.T) {
	st, _ := util.SetupTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	total := 20
	for i := 0; i < total; i++ {
		seedTask(t, st, "session-1", models.TaskStateInitial, past)
	}

	var wg sync.WaitGroup
	results := make([][]int64, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids, err := st.DispatchDueTaskIDs(context.Background())
			assert.NoError(t, err)
			results[i] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]int)
	claimed := 0
	for _, ids := range results {
		for _, id := range ids {
			seen[id]++
			claimed++
		}
	}
	assert.Equal(t, total, claimed)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %d claimed more than once", id)
	}
}

func TestReviewTaskIDs(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	stale := seedTask(t, st, "session-1", models.TaskStateActivating, time.Now().UTC())
	staleAt := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.UpdateTask(ctx, stale.ID, models.TaskUpdate{LastedExecuteTime: &staleAt}))

	fresh := seedTask(t, st, "session-1", models.TaskStateQueuing, time.Now().UTC())
	freshAt := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpdateTask(ctx, fresh.ID, models.TaskUpdate{LastedExecuteTime: &freshAt}))

	seedTask(t, st, "session-1", models.TaskStateWaiting, time.Now().UTC()) // wrong state

	ids, err := st.ReviewTaskIDs(ctx, 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{stale.ID}, ids)
}

func TestRefactorKeepsTaskAndWorkspace(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateWaiting, time.Now().UTC())
	round := uuid.New()
	_, err := st.CreateUnits(ctx, []models.UnitCreate{
		{TaskID: task.ID, RoundID: round, Name: "u1", Objective: "obj"},
	})
	require.NoError(t, err)
	_, err = st.CreateChat(ctx, task.ID, models.RoleAssistant, "hello")
	require.NoError(t, err)
	_, err = st.CreateHistory(ctx, task.ID, models.TaskStateActivating, "process", "thinking")
	require.NoError(t, err)

	require.NoError(t, st.RefactorTask(ctx, task.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Chats)
	assert.Empty(t, got.Histories)
	require.NotNil(t, got.Workspace)

	units, err := st.ListUnits(ctx, task.ID, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, units.Items)
}

func TestDeleteCascades(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateWaiting, time.Now().UTC())
	_, err := st.CreateChat(ctx, task.ID, models.RoleUser, "hello")
	require.NoError(t, err)

	require.NoError(t, st.DeleteTask(ctx, task.ID))

	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.GetWorkspace(ctx, task.WorkspaceID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	bound, err := st.WorkspaceHasBind(ctx, task.WorkspaceID)
	require.NoError(t, err)
	assert.False(t, bound)

	err = st.DeleteTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRoundUnitLifecycle(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateActivating, time.Now().UTC())
	round := uuid.New()
	units, err := st.CreateUnits(ctx, []models.UnitCreate{
		{TaskID: task.ID, RoundID: round, Name: "u1", Objective: "first"},
		{TaskID: task.ID, RoundID: round, Name: "u2", Objective: "second"},
		{TaskID: task.ID, RoundID: round, Name: "u3", Objective: "third"},
	})
	require.NoError(t, err)
	require.Len(t, units, 3)

	pending, err := st.RoundUnitIDs(ctx, round)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, st.SetUnitState(ctx, units[0].ID, models.UnitStateRunning))
	require.NoError(t, st.CompleteUnit(ctx, units[0].ID, "done"))

	pending, err = st.RoundUnitIDs(ctx, round)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	complete, err := st.RoundUnits(ctx, round)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	require.NotNil(t, complete[0].Output)
	assert.Equal(t, "done", *complete[0].Output)

	// Completed units never leave their terminal state.
	err = st.SetUnitState(ctx, units[0].ID, models.UnitStateRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.ClearRoundUnits(ctx, round))

	pending, err = st.RoundUnitIDs(ctx, round)
	require.NoError(t, err)
	assert.Empty(t, pending)

	complete, err = st.RoundUnits(ctx, round)
	require.NoError(t, err)
	assert.Len(t, complete, 1, "cancelling leftovers must not touch completed units")
}

func TestSearchTasksByKeywords(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	workspace, err := st.CreateWorkspace(ctx, "prd")
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, models.TaskCreate{
		SessionID:         "session-1",
		Owner:             "alice",
		OwnerTimezone:     "UTC",
		Name:              "meeting task",
		OriginalUserInput: "schedule it",
		Keywords:          models.Keywords{"meeting", "quarterly", "sales"},
		ExpectExecuteTime: time.Now().UTC(),
		WorkspaceID:       workspace.ID,
	})
	require.NoError(t, err)

	seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())

	found, err := st.SearchTasksByKeywords(ctx, []string{"session-1"}, "quarterly meeting")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "meeting task", found[0].Name)

	found, err = st.SearchTasksByKeywords(ctx, []string{"other-session"}, "quarterly meeting")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestTasksBySessionIDsBuckets(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	seedTask(t, st, "session-1", models.TaskStateWaiting, time.Now().UTC())
	seedTask(t, st, "session-1", models.TaskStateFinished, time.Now().UTC())
	seedTask(t, st, "session-1", models.TaskStateFailed, time.Now().UTC())
	seedTask(t, st, "session-1", models.TaskStateCancelled, time.Now().UTC())
	seedTask(t, st, "session-1", models.TaskStateActivating, time.Now().UTC())
	seedTask(t, st, "session-2", models.TaskStateWaiting, time.Now().UTC())

	waiting, err := st.TasksBySessionIDs(ctx, []string{"session-1"}, "waiting")
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
	require.NotNil(t, waiting[0].Workspace)

	failed, err := st.TasksBySessionIDs(ctx, []string{"session-1"}, "failed")
	require.NoError(t, err)
	assert.Len(t, failed, 2, "failed bucket includes cancelled")

	inProgress, err := st.TasksBySessionIDs(ctx, []string{"session-1"}, "in_progress")
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)

	all, err := st.TasksBySessionIDs(ctx, []string{"session-1", "session-2"}, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	_, err = st.TasksBySessionIDs(ctx, []string{"session-1"}, "bogus")
	assert.True(t, store.IsValidationError(err))

	count, err := st.CountTasksBySessionIDs(ctx, []string{"session-1"}, models.TaskStateWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListChatsPagination(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())
	for i := 0; i < 25; i++ {
		_, err := st.CreateChat(ctx, task.ID, models.RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	page, err := st.ListChats(ctx, task.ID, store.Page{Number: 2, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	require.Len(t, page.Items, 10)
	assert.Equal(t, "message 10", page.Items[0].Message)

	last, err := st.ListChats(ctx, task.ID, store.Page{Number: 3, Size: 10})
	require.NoError(t, err)
	assert.Len(t, last.Items, 5)
}

func TestListAudits(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateAudit(ctx, "session-1", fmt.Sprintf(`{"message":"audit %d"}`, i))
		require.NoError(t, err)
	}
	_, err := st.CreateAudit(ctx, "session-2", `{"message":"other"}`)
	require.NoError(t, err)

	page, err := st.ListAudits(ctx, "session-1", store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 3)
}

func TestWithTxRollsBack(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, st, "session-1", models.TaskStateInitial, time.Now().UTC())

	sentinel := fmt.Errorf("boom")
	err := st.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.CreateChat(ctx, task.ID, models.RoleUser, "doomed"); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	chats, err := st.ChatsByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, chats)
}
