package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

const auditColumns = `id, session_id, message, created_at, updated_at`

// CreateAudit appends one audit record for the session.
func (s *Store) CreateAudit(ctx context.Context, sessionID, message string) (*models.AuditLog, error) {
	a := models.AuditLog{SessionID: sessionID, Message: message}
	err := s.db.QueryRow(ctx, `
		INSERT INTO audits_log (session_id, message) VALUES ($1, $2)
		RETURNING id, created_at, updated_at`,
		sessionID, message,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}
	return &a, nil
}

// ListAudits returns a page of the session's audit records, oldest first.
func (s *Store) ListAudits(ctx context.Context, sessionID string, page Page) (*Paginated[models.AuditLog], error) {
	page = page.Normalize()

	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM audits_log WHERE session_id = $1 AND NOT is_deleted`, sessionID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+` FROM audits_log
		WHERE session_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		sessionID, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	audits, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.AuditLog])
	if err != nil {
		return nil, fmt.Errorf("failed to collect audit logs: %w", err)
	}

	return &Paginated[models.AuditLog]{Items: audits, Total: total, Page: page.Number, Size: page.Size}, nil
}
