// Package engine implements the task state machine: creation, admission
// re-arming, round execution, planner-decided transitions, user-pause
// re-entry, refactor, and review reclaim. The engine is stateless; all
// durable state lives in the store and all cross-process signalling goes
// through the broker.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// Publisher publishes task messages onto broker topics.
type Publisher interface {
	Send(ctx context.Context, topic string, msg broker.TaskMessage) (string, error)
}

// Runner executes one structured LLM call.
type Runner interface {
	Run(ctx context.Context, sessionID string, phase llm.Phase, messages []llm.Message, out any) (models.TokenCounts, error)
}

// Notifier pushes state changes to the external session service.
type Notifier interface {
	TaskRefresh(sessionID string)
	TaskProvision(sessionID string, taskID int64, taskName, description string, createdAt time.Time, state models.TaskState, replenish []string)
	TaskResultNotify(sessionID string, taskID int64, taskName string, state models.TaskState)
}

// Engine advances tasks through the state machine.
type Engine struct {
	store    *store.Store
	bus      Publisher
	llm      Runner
	notifier Notifier
}

// New creates the engine over its collaborators.
func New(st *store.Store, bus Publisher, runner Runner, notifier Notifier) *Engine {
	return &Engine{store: st, bus: bus, llm: runner, notifier: notifier}
}

// CreateRequest is the create_task command payload.
type CreateRequest struct {
	Owner             string         `json:"owner"`
	OriginalUserInput string         `json:"original_user_input"`
	OwnerTimezone     string         `json:"owner_timezone"`
	SessionID         string         `json:"session_id"`
	MCPServerInfos    map[string]any `json:"mcp_server_infos"`
}

// CreateTask analyzes the utterance and either materializes a task or returns
// a conversational reply. When a task is created, workspace, task, and audit
// rows commit together and the task is armed via CallSoon.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*models.Task, string, error) {
	if req.OwnerTimezone == "" {
		req.OwnerTimezone = "UTC"
	}

	var analysis llm.AnalystOutput
	tokens, err := e.llm.Run(ctx, req.SessionID, llm.PhaseAnalyst,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(req)}}, &analysis)
	if err != nil {
		return nil, "", fmt.Errorf("task analysis failed: %w", err)
	}

	if !analysis.IsSplittable {
		e.audit(ctx, e.store, req.SessionID, models.AuditMessage{
			Thinking: analysis.Thinking,
			Tokens:   &tokens,
		})
		return nil, analysis.Thinking, nil
	}

	expectAt, err := llm.ParseOwnerTime(analysis.ExpectExecuteTime, req.OwnerTimezone)
	if err != nil {
		return nil, "", fmt.Errorf("analysis produced an invalid execution time: %w", err)
	}

	var task *models.Task
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		workspace, err := tx.CreateWorkspace(ctx, analysis.PRD)
		if err != nil {
			return err
		}

		task, err = tx.CreateTask(ctx, models.TaskCreate{
			SessionID:         req.SessionID,
			Owner:             req.Owner,
			OwnerTimezone:     req.OwnerTimezone,
			Name:              analysis.Name,
			OriginalUserInput: req.OriginalUserInput,
			Keywords:          analysis.Keywords,
			MCPServerInfos:    req.MCPServerInfos,
			ExpectExecuteTime: expectAt,
			WorkspaceID:       workspace.ID,
		})
		if err != nil {
			return err
		}

		e.audit(ctx, tx, req.SessionID, models.AuditMessage{
			Thinking: analysis.Thinking,
			Task:     taskSnapshot(task),
			Tokens:   &tokens,
		})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to persist task: %w", err)
	}

	if err := e.CallSoon(ctx, task.ID); err != nil {
		slog.Error("Failed to arm freshly created task",
			"task_id", task.ID,
			"error", err)
	}
	return task, "", nil
}

// CallSoon arms a due task: flips it to QUEUING and publishes it on the ready
// topic. A task whose execution time is still in the future is left for the
// admission producer. Idempotent when the task is already QUEUING.
func (e *Engine) CallSoon(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() || task.State == models.TaskStateUpdating {
		return nil
	}
	if task.ExpectExecuteTime.After(time.Now().UTC()) {
		return nil
	}

	now := time.Now().UTC()
	queuing := models.TaskStateQueuing
	err = e.store.UpdateTask(ctx, taskID, models.TaskUpdate{
		State:             &queuing,
		LastedExecuteTime: &now,
	})
	if err != nil {
		return err
	}

	e.notifier.TaskRefresh(task.SessionID)

	if _, err := e.bus.Send(ctx, broker.TopicReady, broker.TaskMessage{TaskID: taskID}); err != nil {
		return err
	}
	return nil
}

// ReviewTask reclaims a task stuck in QUEUING/ACTIVATING past the review
// threshold: it is marked FAILED with an audit noting the last admission.
func (e *Engine) ReviewTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if task.State != models.TaskStateQueuing && task.State != models.TaskStateActivating {
		slog.Info("Review skipped, task moved on",
			"task_id", taskID,
			"state", task.State)
		return nil
	}

	if err := e.store.SetTaskState(ctx, taskID, models.TaskStateFailed); err != nil {
		return err
	}

	lasted := "never"
	if task.LastedExecuteTime != nil {
		lasted = task.LastedExecuteTime.UTC().Format(time.RFC3339)
	}
	e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
		Message: fmt.Sprintf("task reclaimed by review: stuck in %s since %s", task.State, lasted),
		Task:    taskSnapshot(task),
	})

	e.notifier.TaskResultNotify(task.SessionID, task.ID, task.Name, models.TaskStateFailed)
	return nil
}

// markFailed moves a task to FAILED with an audit carrying the failure. Used
// by the execute and running paths; terminal tasks are left untouched.
func (e *Engine) markFailed(ctx context.Context, task *models.Task, cause error) {
	if task.State.IsTerminal() {
		return
	}
	if err := e.store.SetTaskState(ctx, task.ID, models.TaskStateFailed); err != nil {
		slog.Error("Failed to mark task failed",
			"task_id", task.ID,
			"error", err)
		return
	}
	e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
		Message: fmt.Sprintf("task failed: %v", cause),
		Task:    taskSnapshot(task),
	})
	e.notifier.TaskResultNotify(task.SessionID, task.ID, task.Name, models.TaskStateFailed)
}

// audit writes one audit row. Audit failures are logged, never propagated.
func (e *Engine) audit(ctx context.Context, st *store.Store, sessionID string, msg models.AuditMessage) {
	if _, err := st.CreateAudit(ctx, sessionID, msg.Encode()); err != nil {
		slog.Error("Failed to write audit log",
			"session_id", sessionID,
			"error", err)
	}
}

// taskSnapshot flattens a task for audit payloads.
func taskSnapshot(task *models.Task) map[string]any {
	return map[string]any{
		"id":                  task.ID,
		"name":                task.Name,
		"state":               task.State,
		"session_id":          task.SessionID,
		"expect_execute_time": task.ExpectExecuteTime.UTC(),
	}
}

// jsonBlock renders a value as a fenced JSON block for prompt context.
func jsonBlock(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return "```json\n" + string(b) + "\n```"
}
