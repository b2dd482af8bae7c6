package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

const historyColumns = `id, task_id, state, process, thinking, created_at, updated_at`

// CreateHistory records one planner-decided state transition snapshot.
func (s *Store) CreateHistory(ctx context.Context, taskID int64, state models.TaskState, process, thinking string) (*models.History, error) {
	h := models.History{TaskID: taskID, State: state, Process: process, Thinking: thinking}
	err := s.db.QueryRow(ctx, `
		INSERT INTO tasks_history (task_id, state, process, thinking)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		taskID, string(state), process, thinking,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create history: %w", err)
	}
	return &h, nil
}

// ListHistories returns a page of the task's live histories, oldest first.
func (s *Store) ListHistories(ctx context.Context, taskID int64, page Page) (*Paginated[models.History], error) {
	page = page.Normalize()

	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks_history WHERE task_id = $1 AND NOT is_deleted`, taskID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count histories: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+historyColumns+` FROM tasks_history
		WHERE task_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		taskID, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	histories, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.History])
	if err != nil {
		return nil, fmt.Errorf("failed to collect histories: %w", err)
	}

	return &Paginated[models.History]{Items: histories, Total: total, Page: page.Number, Size: page.Size}, nil
}

// recentHistories loads the newest limit histories for one task, oldest first.
func (s *Store) recentHistories(ctx context.Context, taskID int64, limit int) ([]models.History, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, state, process, thinking, created_at, updated_at FROM (
			SELECT `+historyColumns+`,
				row_number() OVER (PARTITION BY task_id ORDER BY created_at DESC, id DESC) AS rn
			FROM tasks_history WHERE task_id = $1 AND NOT is_deleted
		) ranked WHERE rn <= $2
		ORDER BY created_at ASC, id ASC`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent histories: %w", err)
	}
	histories, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.History])
	if err != nil {
		return nil, fmt.Errorf("failed to collect recent histories: %w", err)
	}
	return histories, nil
}
