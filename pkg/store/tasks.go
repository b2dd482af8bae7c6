package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

// recentRelationLimit is how many chats and histories GetTask loads per task.
const recentRelationLimit = 10

const taskColumns = `id, session_id, owner, owner_timezone, name, original_user_input,
	keywords, mcp_server_infos, state, priority, expect_execute_time,
	lasted_execute_time, curr_round_id, prev_round_id, workspace_id,
	created_at, updated_at`

func scanTask(row pgx.CollectableRow) (models.Task, error) {
	var t models.Task
	var keywords string
	err := row.Scan(
		&t.ID, &t.SessionID, &t.Owner, &t.OwnerTimezone, &t.Name,
		&t.OriginalUserInput, &keywords, &t.MCPServerInfos, &t.State,
		&t.Priority, &t.ExpectExecuteTime, &t.LastedExecuteTime,
		&t.CurrRoundID, &t.PrevRoundID, &t.WorkspaceID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Task{}, err
	}
	t.Keywords = models.SplitKeywords(keywords)
	return t, nil
}

// CreateTask inserts a new task in INITIAL state.
func (s *Store) CreateTask(ctx context.Context, tc models.TaskCreate) (*models.Task, error) {
	if tc.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if tc.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	bound, err := s.WorkspaceHasBind(ctx, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if bound {
		return nil, ErrWorkspaceBound
	}

	mcpInfos := tc.MCPServerInfos
	if mcpInfos == nil {
		mcpInfos = map[string]any{}
	}

	task := models.Task{
		SessionID:         tc.SessionID,
		Owner:             tc.Owner,
		OwnerTimezone:     tc.OwnerTimezone,
		Name:              tc.Name,
		OriginalUserInput: tc.OriginalUserInput,
		Keywords:          tc.Keywords,
		MCPServerInfos:    mcpInfos,
		State:             models.TaskStateInitial,
		ExpectExecuteTime: tc.ExpectExecuteTime,
		WorkspaceID:       tc.WorkspaceID,
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO tasks (session_id, owner, owner_timezone, name, original_user_input,
			keywords, mcp_server_infos, state, expect_execute_time, workspace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		tc.SessionID, tc.Owner, tc.OwnerTimezone, tc.Name, tc.OriginalUserInput,
		tc.Keywords.Join(), mcpInfos, string(models.TaskStateInitial),
		tc.ExpectExecuteTime, tc.WorkspaceID,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return &task, nil
}

// GetTask loads a task with its workspace and the most recent ten chats and
// histories. Other relations are loaded on demand.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	task, err := pgx.CollectExactlyOneRow(rows, scanTask)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	ws, err := s.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	task.Workspace = ws

	chats, err := s.recentChats(ctx, []int64{task.ID}, recentRelationLimit)
	if err != nil {
		return nil, err
	}
	task.Chats = chats[task.ID]

	histories, err := s.recentHistories(ctx, task.ID, recentRelationLimit)
	if err != nil {
		return nil, err
	}
	task.Histories = histories

	return &task, nil
}

// UpdateTask applies a partial update. Nil fields are untouched; an empty
// keyword list nulls the column.
func (s *Store) UpdateTask(ctx context.Context, id int64, up models.TaskUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if up.Name != nil {
		sets = append(sets, "name = "+arg(*up.Name))
	}
	if up.State != nil {
		sets = append(sets, "state = "+arg(string(*up.State)))
	}
	if up.Priority != nil {
		sets = append(sets, "priority = "+arg(*up.Priority))
	}
	if up.ExpectExecuteTime != nil {
		sets = append(sets, "expect_execute_time = "+arg(*up.ExpectExecuteTime))
	}
	if up.LastedExecuteTime != nil {
		sets = append(sets, "lasted_execute_time = "+arg(*up.LastedExecuteTime))
	}
	if up.ClearLastedTime {
		sets = append(sets, "lasted_execute_time = NULL")
	}
	if up.CurrRoundID != nil {
		sets = append(sets, "curr_round_id = "+arg(*up.CurrRoundID))
	}
	if up.PrevRoundID != nil {
		sets = append(sets, "prev_round_id = "+arg(*up.PrevRoundID))
	}
	if up.ClearRoundIDs {
		sets = append(sets, "curr_round_id = NULL", "prev_round_id = NULL")
	}
	if up.Keywords != nil {
		if len(*up.Keywords) == 0 {
			sets = append(sets, "keywords = ''")
		} else {
			sets = append(sets, "keywords = "+arg(up.Keywords.Join()))
		}
	}
	if up.OriginalUserInput != nil {
		sets = append(sets, "original_user_input = "+arg(*up.OriginalUserInput))
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = %s AND NOT is_deleted",
		strings.Join(sets, ", "), arg(id))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskState transitions the task state without touching other fields.
func (s *Store) SetTaskState(ctx context.Context, id int64, state models.TaskState) error {
	st := state
	return s.UpdateTask(ctx, id, models.TaskUpdate{State: &st})
}

// DispatchDueTaskIDs atomically claims due tasks for admission: it selects
// non-deleted INITIAL/SCHEDULING tasks past their expected execute time with
// FOR UPDATE SKIP LOCKED and flips them to QUEUING in the same transaction.
// Concurrent admission producers therefore never claim the same task.
func (s *Store) DispatchDueTaskIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.WithTx(ctx, func(tx *Store) error {
		states := stateStrings(models.DispatchableStates)
		rows, err := tx.db.Query(ctx, `
			SELECT id FROM tasks
			WHERE NOT is_deleted AND state = ANY($1) AND expect_execute_time < now()
			ORDER BY expect_execute_time ASC, priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED`, states)
		if err != nil {
			return fmt.Errorf("failed to query dispatchable tasks: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to collect dispatchable ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE tasks SET state = $1, lasted_execute_time = now(), updated_at = now()
			WHERE id = ANY($2)`,
			string(models.TaskStateQueuing), ids)
		if err != nil {
			return fmt.Errorf("failed to claim dispatchable tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReviewTaskIDs returns tasks stuck in QUEUING/ACTIVATING whose last
// admission is older than the threshold. These are presumed orphaned by a
// crashed worker and are reclaimed by the review consumer.
func (s *Store) ReviewTaskIDs(ctx context.Context, threshold time.Duration) ([]int64, error) {
	states := stateStrings(models.ReviewStates)
	rows, err := s.db.Query(ctx, `
		SELECT id FROM tasks
		WHERE NOT is_deleted AND state = ANY($1) AND lasted_execute_time < now() - $2::interval`,
		states, threshold.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query review tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to collect review ids: %w", err)
	}
	return ids, nil
}

// RefactorTask soft-deletes all chat, unit, and history rows of a task while
// keeping the task and its workspace.
func (s *Store) RefactorTask(ctx context.Context, taskID int64) error {
	for _, table := range []string{"tasks_chat", "tasks_unit", "tasks_history"} {
		_, err := s.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE task_id = $1 AND NOT is_deleted`, table), taskID)
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// DeleteTask soft-deletes the task and cascades to its chats, units,
// histories, and workspace in a single transaction.
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var workspaceID int64
		err := tx.db.QueryRow(ctx,
			`SELECT workspace_id FROM tasks WHERE id = $1 AND NOT is_deleted`, taskID,
		).Scan(&workspaceID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load task for delete: %w", err)
		}

		if err := tx.RefactorTask(ctx, taskID); err != nil {
			return err
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE tasks_workspace SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE id = $1 AND NOT is_deleted`, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to delete workspace: %w", err)
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE tasks SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE id = $1`, taskID)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	})
}

// WorkspaceHasBind reports whether a live task references the workspace.
func (s *Store) WorkspaceHasBind(ctx context.Context, workspaceID int64) (bool, error) {
	var bound bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE workspace_id = $1 AND NOT is_deleted
		)`, workspaceID).Scan(&bound)
	if err != nil {
		return false, fmt.Errorf("failed to check workspace binding: %w", err)
	}
	return bound, nil
}

// TasksBySessionIDs lists tasks for the sessions, newest first, optionally
// filtered by a state bucket: "waiting", "finished", "failed" (failed or
// cancelled), or "in_progress". Each task carries its workspace and the most
// recent ten chats.
func (s *Store) TasksBySessionIDs(ctx context.Context, sessionIDs []string, bucket string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks WHERE NOT is_deleted AND session_id = ANY($1)`
	args := []any{sessionIDs}

	var states []models.TaskState
	switch bucket {
	case "":
		// no filter
	case string(models.TaskStateWaiting):
		states = []models.TaskState{models.TaskStateWaiting}
	case string(models.TaskStateFinished):
		states = []models.TaskState{models.TaskStateFinished}
	case string(models.TaskStateFailed):
		states = []models.TaskState{models.TaskStateFailed, models.TaskStateCancelled}
	case "in_progress":
		states = models.InProgressStates
	default:
		return nil, NewValidationError("state", "unknown filter bucket")
	}
	if states != nil {
		args = append(args, stateStrings(states))
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by session: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tasks: %w", err)
	}

	return s.attachRelations(ctx, tasks)
}

// CountTasksBySessionIDs counts live tasks for the sessions in one state.
func (s *Store) CountTasksBySessionIDs(ctx context.Context, sessionIDs []string, state models.TaskState) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM tasks
		WHERE NOT is_deleted AND session_id = ANY($1) AND state = $2`,
		sessionIDs, string(state)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// SearchTasksByKeywords runs a natural-language fulltext match over the
// stored keywords column, ordered by relevance.
func (s *Store) SearchTasksByKeywords(ctx context.Context, sessionIDs []string, keywords string) ([]models.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE NOT is_deleted AND session_id = ANY($1)
		  AND to_tsvector('english', keywords) @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(to_tsvector('english', keywords), plainto_tsquery('english', $2)) DESC`,
		sessionIDs, keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("failed to collect search results: %w", err)
	}
	return s.attachRelations(ctx, tasks)
}

// ListTasks returns a page of live tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, page Page) (*Paginated[models.Task], error) {
	page = page.Normalize()

	var total int64
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE NOT is_deleted`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE NOT is_deleted
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tasks: %w", err)
	}

	return &Paginated[models.Task]{Items: tasks, Total: total, Page: page.Number, Size: page.Size}, nil
}

// attachRelations loads workspaces and recent chats for a task list.
func (s *Store) attachRelations(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if len(tasks) == 0 {
		return tasks, nil
	}

	taskIDs := make([]int64, len(tasks))
	wsIDs := make([]int64, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
		wsIDs[i] = t.WorkspaceID
	}

	workspaces, err := s.workspacesByIDs(ctx, wsIDs)
	if err != nil {
		return nil, err
	}
	chats, err := s.recentChats(ctx, taskIDs, recentRelationLimit)
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		if ws, ok := workspaces[tasks[i].WorkspaceID]; ok {
			tasks[i].Workspace = ws
		}
		tasks[i].Chats = chats[tasks[i].ID]
	}
	return tasks, nil
}

func stateStrings(states []models.TaskState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
