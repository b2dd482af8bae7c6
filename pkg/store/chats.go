package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

const chatColumns = `id, task_id, role, message, created_at, updated_at`

// CreateChat appends one chat message to the task.
func (s *Store) CreateChat(ctx context.Context, taskID int64, role models.MessageRole, message string) (*models.Chat, error) {
	chat := models.Chat{TaskID: taskID, Role: role, Message: message}
	err := s.db.QueryRow(ctx, `
		INSERT INTO tasks_chat (task_id, role, message) VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		taskID, string(role), message,
	).Scan(&chat.ID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return &chat, nil
}

// LastChatByRole returns the most recent live chat of the role for the task.
func (s *Store) LastChatByRole(ctx context.Context, taskID int64, role models.MessageRole) (*models.Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+chatColumns+` FROM tasks_chat
		WHERE task_id = $1 AND role = $2 AND NOT is_deleted
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		taskID, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query last chat: %w", err)
	}
	chat, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[models.Chat])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load last chat: %w", err)
	}
	return &chat, nil
}

// ChatsByTask returns all live chats of the task, oldest first.
func (s *Store) ChatsByTask(ctx context.Context, taskID int64) ([]models.Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+chatColumns+` FROM tasks_chat
		WHERE task_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	chats, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Chat])
	if err != nil {
		return nil, fmt.Errorf("failed to collect chats: %w", err)
	}
	return chats, nil
}

// ListChats returns a page of the task's live chats, oldest first.
func (s *Store) ListChats(ctx context.Context, taskID int64, page Page) (*Paginated[models.Chat], error) {
	page = page.Normalize()

	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks_chat WHERE task_id = $1 AND NOT is_deleted`, taskID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count chats: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+chatColumns+` FROM tasks_chat
		WHERE task_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		taskID, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	chats, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Chat])
	if err != nil {
		return nil, fmt.Errorf("failed to collect chats: %w", err)
	}

	return &Paginated[models.Chat]{Items: chats, Total: total, Page: page.Number, Size: page.Size}, nil
}

// recentChats loads the newest limit chats per task via a row-number window,
// returned oldest first per task.
func (s *Store) recentChats(ctx context.Context, taskIDs []int64, limit int) (map[int64][]models.Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, role, message, created_at, updated_at FROM (
			SELECT `+chatColumns+`,
				row_number() OVER (PARTITION BY task_id ORDER BY created_at DESC, id DESC) AS rn
			FROM tasks_chat WHERE task_id = ANY($1) AND NOT is_deleted
		) ranked WHERE rn <= $2
		ORDER BY created_at ASC, id ASC`,
		taskIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent chats: %w", err)
	}
	chats, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Chat])
	if err != nil {
		return nil, fmt.Errorf("failed to collect recent chats: %w", err)
	}

	out := make(map[int64][]models.Chat)
	for _, c := range chats {
		out[c.TaskID] = append(out[c.TaskID], c)
	}
	return out, nil
}
