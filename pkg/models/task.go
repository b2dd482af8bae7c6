package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Keywords is an ordered keyword list. It is stored comma-joined so the
// fulltext index can cover it, and exposed as a list everywhere else.
type Keywords []string

// Join serialises the list for storage.
func (k Keywords) Join() string { return strings.Join(k, ",") }

// SplitKeywords parses the stored comma-joined form.
func SplitKeywords(s string) Keywords {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(Keywords, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Task is the durable unit of work advanced through rounds by the engine.
type Task struct {
	ID                int64          `db:"id" json:"id"`
	SessionID         string         `db:"session_id" json:"session_id"`
	Owner             string         `db:"owner" json:"owner"`
	OwnerTimezone     string         `db:"owner_timezone" json:"owner_timezone"`
	Name              string         `db:"name" json:"name"`
	OriginalUserInput string         `db:"original_user_input" json:"original_user_input"`
	Keywords          Keywords       `db:"keywords" json:"keywords"`
	MCPServerInfos    map[string]any `db:"mcp_server_infos" json:"mcp_server_infos"`
	State             TaskState      `db:"state" json:"state"`
	Priority          int            `db:"priority" json:"priority"`
	ExpectExecuteTime time.Time      `db:"expect_execute_time" json:"expect_execute_time"`
	LastedExecuteTime *time.Time     `db:"lasted_execute_time" json:"lasted_execute_time,omitempty"`
	CurrRoundID       *uuid.UUID     `db:"curr_round_id" json:"curr_round_id,omitempty"`
	PrevRoundID       *uuid.UUID     `db:"prev_round_id" json:"prev_round_id,omitempty"`
	WorkspaceID       int64          `db:"workspace_id" json:"workspace_id"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`

	// Relations, loaded on demand.
	Workspace *Workspace `db:"-" json:"workspace,omitempty"`
	Chats     []Chat     `db:"-" json:"chats,omitempty"`
	Histories []History  `db:"-" json:"histories,omitempty"`
}

// TaskCreate carries the fields needed to insert a task.
type TaskCreate struct {
	SessionID         string
	Owner             string
	OwnerTimezone     string
	Name              string
	OriginalUserInput string
	Keywords          Keywords
	MCPServerInfos    map[string]any
	ExpectExecuteTime time.Time
	WorkspaceID       int64
}

// TaskUpdate is a partial update. Nil pointer fields are left untouched. The
// Clear flags null a column that a pointer field cannot express as nil.
type TaskUpdate struct {
	Name              *string
	State             *TaskState
	Priority          *int
	ExpectExecuteTime *time.Time
	LastedExecuteTime *time.Time
	ClearLastedTime   bool
	CurrRoundID       *uuid.UUID
	PrevRoundID       *uuid.UUID
	ClearRoundIDs     bool
	Keywords          *Keywords
	OriginalUserInput *string
}
