package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the mutable scratch artefact owned by one task. prd is set at
// creation, process is rewritten every round, result is set on finish.
type Workspace struct {
	ID        int64     `db:"id" json:"id"`
	PRD       string    `db:"prd" json:"prd"`
	Process   *string   `db:"process" json:"process,omitempty"`
	Result    *string   `db:"result" json:"result,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WorkspaceUpdate is a partial workspace update.
type WorkspaceUpdate struct {
	PRD          *string
	Process      *string
	ClearProcess bool
	Result       *string
	ClearResult  bool
}

// Unit is one sub-step of one round.
type Unit struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    int64     `db:"task_id" json:"task_id"`
	RoundID   uuid.UUID `db:"round_id" json:"round_id"`
	Name      string    `db:"name" json:"name"`
	Objective string    `db:"objective" json:"objective"`
	Output    *string   `db:"output" json:"output,omitempty"`
	State     UnitState `db:"state" json:"state"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UnitCreate carries the fields needed to insert one unit of a round.
type UnitCreate struct {
	TaskID    int64
	RoundID   uuid.UUID
	Name      string
	Objective string
}

// Chat is one message between a task and its user.
type Chat struct {
	ID        int64       `db:"id" json:"id"`
	TaskID    int64       `db:"task_id" json:"task_id"`
	Role      MessageRole `db:"role" json:"role"`
	Message   string      `db:"message" json:"message"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// History is a snapshot of one planner-decided state transition.
type History struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    int64     `db:"task_id" json:"task_id"`
	State     TaskState `db:"state" json:"state"`
	Process   string    `db:"process" json:"process"`
	Thinking  string    `db:"thinking" json:"thinking"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AuditLog is an append-only observability record keyed by session.
type AuditLog struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
