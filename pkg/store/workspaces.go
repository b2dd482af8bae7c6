package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

const workspaceColumns = `id, prd, process, result, created_at, updated_at`

// CreateWorkspace inserts a workspace with the given prd.
func (s *Store) CreateWorkspace(ctx context.Context, prd string) (*models.Workspace, error) {
	ws := models.Workspace{PRD: prd}
	err := s.db.QueryRow(ctx, `
		INSERT INTO tasks_workspace (prd) VALUES ($1)
		RETURNING id, created_at, updated_at`, prd,
	).Scan(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspace loads one live workspace.
func (s *Store) GetWorkspace(ctx context.Context, id int64) (*models.Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workspaceColumns+` FROM tasks_workspace WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	ws, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[models.Workspace])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	return &ws, nil
}

// UpdateWorkspace applies a partial update.
func (s *Store) UpdateWorkspace(ctx context.Context, id int64, up models.WorkspaceUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if up.PRD != nil {
		sets = append(sets, "prd = "+arg(*up.PRD))
	}
	if up.Process != nil {
		sets = append(sets, "process = "+arg(*up.Process))
	}
	if up.ClearProcess {
		sets = append(sets, "process = NULL")
	}
	if up.Result != nil {
		sets = append(sets, "result = "+arg(*up.Result))
	}
	if up.ClearResult {
		sets = append(sets, "result = NULL")
	}

	query := fmt.Sprintf("UPDATE tasks_workspace SET %s WHERE id = %s AND NOT is_deleted",
		strings.Join(sets, ", "), arg(id))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// workspacesByIDs loads live workspaces keyed by id.
func (s *Store) workspacesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workspaceColumns+` FROM tasks_workspace WHERE id = ANY($1) AND NOT is_deleted`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Workspace])
	if err != nil {
		return nil, fmt.Errorf("failed to collect workspaces: %w", err)
	}
	out := make(map[int64]*models.Workspace, len(list))
	for i := range list {
		out[list[i].ID] = &list[i]
	}
	return out, nil
}
