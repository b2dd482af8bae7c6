package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

const unitColumns = `id, task_id, round_id, name, objective, output, state, created_at, updated_at`

// CreateUnits inserts one CREATED unit per item, all in the given round.
func (s *Store) CreateUnits(ctx context.Context, creates []models.UnitCreate) ([]models.Unit, error) {
	units := make([]models.Unit, 0, len(creates))
	for _, uc := range creates {
		if uc.Name == "" {
			return nil, NewValidationError("name", "required")
		}
		unit := models.Unit{
			TaskID:    uc.TaskID,
			RoundID:   uc.RoundID,
			Name:      uc.Name,
			Objective: uc.Objective,
			State:     models.UnitStateCreated,
		}
		err := s.db.QueryRow(ctx, `
			INSERT INTO tasks_unit (task_id, round_id, name, objective, state)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`,
			uc.TaskID, uc.RoundID, uc.Name, uc.Objective, string(models.UnitStateCreated),
		).Scan(&unit.ID, &unit.CreatedAt, &unit.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, nil
}

// GetUnit loads one live unit.
func (s *Store) GetUnit(ctx context.Context, id int64) (*models.Unit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+unitColumns+` FROM tasks_unit WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit: %w", err)
	}
	unit, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[models.Unit])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load unit: %w", err)
	}
	return &unit, nil
}

// RoundUnitIDs returns ids of units in the round that are not yet terminal.
func (s *Store) RoundUnitIDs(ctx context.Context, roundID uuid.UUID) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM tasks_unit
		WHERE round_id = $1 AND NOT is_deleted AND state NOT IN ($2, $3)
		ORDER BY id`,
		roundID, string(models.UnitStateComplete), string(models.UnitStateCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to query round unit ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to collect round unit ids: %w", err)
	}
	return ids, nil
}

// RoundUnits returns the COMPLETE units of the round, oldest first.
func (s *Store) RoundUnits(ctx context.Context, roundID uuid.UUID) ([]models.Unit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+unitColumns+` FROM tasks_unit
		WHERE round_id = $1 AND NOT is_deleted AND state = $2
		ORDER BY id`,
		roundID, string(models.UnitStateComplete))
	if err != nil {
		return nil, fmt.Errorf("failed to query round units: %w", err)
	}
	units, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Unit])
	if err != nil {
		return nil, fmt.Errorf("failed to collect round units: %w", err)
	}
	return units, nil
}

// ClearRoundUnits flips all non-terminal units of the round to CANCELLED.
func (s *Store) ClearRoundUnits(ctx context.Context, roundID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks_unit SET state = $1, updated_at = now()
		WHERE round_id = $2 AND NOT is_deleted AND state NOT IN ($3, $4)`,
		string(models.UnitStateCancelled), roundID,
		string(models.UnitStateComplete), string(models.UnitStateCancelled))
	if err != nil {
		return fmt.Errorf("failed to clear round units: %w", err)
	}
	return nil
}

// CompletedUnitsByTask returns every COMPLETE unit of the task across all
// rounds, oldest first.
func (s *Store) CompletedUnitsByTask(ctx context.Context, taskID int64) ([]models.Unit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+unitColumns+` FROM tasks_unit
		WHERE task_id = $1 AND NOT is_deleted AND state = $2
		ORDER BY id`,
		taskID, string(models.UnitStateComplete))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed units: %w", err)
	}
	units, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Unit])
	if err != nil {
		return nil, fmt.Errorf("failed to collect completed units: %w", err)
	}
	return units, nil
}

// SetUnitState transitions a unit, refusing to leave a terminal state.
func (s *Store) SetUnitState(ctx context.Context, id int64, state models.UnitState) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks_unit SET state = $1, updated_at = now()
		WHERE id = $2 AND NOT is_deleted AND state NOT IN ($3, $4)`,
		string(state), id,
		string(models.UnitStateComplete), string(models.UnitStateCancelled))
	if err != nil {
		return fmt.Errorf("failed to set unit state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteUnit stores the unit output and flips it to COMPLETE.
func (s *Store) CompleteUnit(ctx context.Context, id int64, output string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks_unit SET state = $1, output = $2, updated_at = now()
		WHERE id = $3 AND NOT is_deleted AND state NOT IN ($4, $5)`,
		string(models.UnitStateComplete), output, id,
		string(models.UnitStateComplete), string(models.UnitStateCancelled))
	if err != nil {
		return fmt.Errorf("failed to complete unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnits returns a page of the task's live units, oldest first.
func (s *Store) ListUnits(ctx context.Context, taskID int64, page Page) (*Paginated[models.Unit], error) {
	page = page.Normalize()

	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks_unit WHERE task_id = $1 AND NOT is_deleted`, taskID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+unitColumns+` FROM tasks_unit
		WHERE task_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		taskID, page.Size, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	units, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[models.Unit])
	if err != nil {
		return nil, fmt.Errorf("failed to collect units: %w", err)
	}

	return &Paginated[models.Unit]{Items: units, Total: total, Page: page.Number, Size: page.Size}, nil
}
