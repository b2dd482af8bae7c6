package engine

import (
	"context"
	"fmt"

	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// WaitingTask folds a user reply into the plan of a WAITING task and re-arms
// it. On failure the task state is left untouched so operators can replay.
func (e *Engine) WaitingTask(ctx context.Context, taskID int64, userMessage string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return store.NewValidationError("task_id", "task is terminal")
	}

	if err := e.mergeUserReply(ctx, task, userMessage); err != nil {
		e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
			Message: fmt.Sprintf("waiting merge failed, do not reset state: %v", err),
			Task:    taskSnapshot(task),
		})
		return err
	}

	return e.CallSoon(ctx, taskID)
}

func (e *Engine) mergeUserReply(ctx context.Context, task *models.Task, userMessage string) error {
	workspace, err := e.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}
	process := workspace.PRD
	if workspace.Process != nil {
		process = *workspace.Process
	}

	// The pending question is the latest assistant chat envelope.
	notifyUser := ""
	if lastChat, err := e.store.LastChatByRole(ctx, task.ID, models.RoleAssistant); err == nil {
		if envelope, err := models.DecodeWaitingEnvelope(lastChat.Message); err == nil {
			notifyUser = envelope.Message
		} else {
			notifyUser = lastChat.Message
		}
	} else if err != store.ErrNotFound {
		return err
	}

	var merged llm.WaitingMergeOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseWaitingHandler,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"process":      process,
			"notify_user":  notifyUser,
			"user_message": userMessage,
		})}}, &merged)
	if err != nil {
		return fmt.Errorf("waiting merge failed: %w", err)
	}

	scheduling := models.TaskStateScheduling
	return e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateTask(ctx, task.ID, models.TaskUpdate{State: &scheduling}); err != nil {
			return err
		}
		if err := tx.UpdateWorkspace(ctx, task.WorkspaceID, models.WorkspaceUpdate{
			Process: &merged.Process,
		}); err != nil {
			return err
		}
		e.audit(ctx, tx, task.SessionID, models.AuditMessage{
			Thinking: merged.Thinking,
			Message:  "user reply merged into plan",
			Task:     taskSnapshot(task),
			Tokens:   &tokens,
		})
		return nil
	})
}

// RefactorTask rewrites a task from the user's update prompt: the task is
// parked in UPDATING with cleared round pointers, the definition is
// regenerated, the chat/unit/history rows are cleared, and the task re-enters
// as SCHEDULING. On failure after parking the state is left for operators.
func (e *Engine) RefactorTask(ctx context.Context, taskID int64, updatePrompt string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return store.NewValidationError("task_id", "task is terminal")
	}

	updating := models.TaskStateUpdating
	err = e.store.UpdateTask(ctx, taskID, models.TaskUpdate{
		State:           &updating,
		ClearRoundIDs:   true,
		ClearLastedTime: true,
	})
	if err != nil {
		return err
	}
	e.notifier.TaskRefresh(task.SessionID)

	if err := e.applyRefactor(ctx, task, updatePrompt); err != nil {
		e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
			Message: fmt.Sprintf("refactor failed, do not reset state: %v", err),
			Task:    taskSnapshot(task),
		})
		return err
	}

	if err := e.CallSoon(ctx, taskID); err != nil {
		return err
	}
	e.notifier.TaskRefresh(task.SessionID)
	return nil
}

func (e *Engine) applyRefactor(ctx context.Context, task *models.Task, updatePrompt string) error {
	var refactor llm.RefactorOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseRefactor,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"name":                task.Name,
			"original_user_input": task.OriginalUserInput,
			"update_user_prompt":  updatePrompt,
		})}}, &refactor)
	if err != nil {
		return fmt.Errorf("refactor analysis failed: %w", err)
	}

	expectAt, err := llm.ParseOwnerTime(refactor.ExpectExecuteTime, task.OwnerTimezone)
	if err != nil {
		return fmt.Errorf("refactor produced an invalid execution time: %w", err)
	}

	scheduling := models.TaskStateScheduling
	return e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.RefactorTask(ctx, task.ID); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task.ID, models.TaskUpdate{
			Name:              &refactor.Name,
			Keywords:          &refactor.Keywords,
			ExpectExecuteTime: &expectAt,
			State:             &scheduling,
		}); err != nil {
			return err
		}
		if err := tx.UpdateWorkspace(ctx, task.WorkspaceID, models.WorkspaceUpdate{
			PRD:          &refactor.PRD,
			ClearProcess: true,
			ClearResult:  true,
		}); err != nil {
			return err
		}
		e.audit(ctx, tx, task.SessionID, models.AuditMessage{
			Thinking: refactor.Thinking,
			Message:  "task refactored",
			Task:     taskSnapshot(task),
			Tokens:   &tokens,
		})
		return nil
	})
}
