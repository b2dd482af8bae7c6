package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// RunningTask is the running-topic handler. It summarizes the settled round,
// asks the planner for the next state, persists the snapshot, and branches.
func (e *Engine) RunningTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			slog.Warn("Dropping running message for missing task", "task_id", taskID)
			return nil
		}
		return err
	}

	if task.State == models.TaskStateUpdating {
		slog.Info("Refactor in progress, skipping running cycle", "task_id", taskID)
		return nil
	}
	if task.State.IsTerminal() {
		slog.Info("Dropping running message for terminal task",
			"task_id", taskID,
			"state", task.State)
		return nil
	}

	if err := e.decideNextState(ctx, task); err != nil {
		e.markFailed(ctx, task, err)
		return err
	}
	return nil
}

// decideNextState runs the next-state planner call and applies its decision.
func (e *Engine) decideNextState(ctx context.Context, task *models.Task) error {
	workspace, err := e.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}
	process := workspace.PRD
	if workspace.Process != nil {
		process = *workspace.Process
	}

	var currUnits []models.Unit
	if task.CurrRoundID != nil {
		currUnits, err = e.store.RoundUnits(ctx, *task.CurrRoundID)
		if err != nil {
			return err
		}
	}
	chats, err := e.store.ChatsByTask(ctx, task.ID)
	if err != nil {
		return err
	}

	unitContext := make([]map[string]any, len(currUnits))
	for i, unit := range currUnits {
		unitContext[i] = map[string]any{
			"name":       unit.Name,
			"objective":  unit.Objective,
			"output":     unit.Output,
			"created_at": unit.CreatedAt.UTC(),
		}
	}
	chatContext := make([]map[string]any, len(chats))
	for i, chat := range chats {
		chatContext[i] = map[string]any{
			"role":       chat.Role,
			"message":    chat.Message,
			"created_at": chat.CreatedAt.UTC(),
		}
	}

	var decision llm.NextStateOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseNextState,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"process": process,
			"units":   unitContext,
			"chats":   chatContext,
		})}}, &decision)
	if err != nil {
		return fmt.Errorf("next-state decision failed: %w", err)
	}
	if !decision.State.Valid() {
		return fmt.Errorf("planner returned unknown state %q", decision.State)
	}
	nextState := decision.State.TaskState()

	// Snapshot the transition before applying it.
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.CreateHistory(ctx, task.ID, nextState, decision.Process, decision.Thinking); err != nil {
			return err
		}
		if err := tx.UpdateWorkspace(ctx, task.WorkspaceID, models.WorkspaceUpdate{
			Process: &decision.Process,
		}); err != nil {
			return err
		}
		e.audit(ctx, tx, task.SessionID, models.AuditMessage{
			Thinking: decision.Thinking,
			Message:  fmt.Sprintf("planner decided next state %s", nextState),
			Task:     taskSnapshot(task),
			Tokens:   &tokens,
		})
		return nil
	})
	if err != nil {
		return err
	}
	workspace.Process = &decision.Process

	switch nextState {
	case models.TaskStateActivating:
		return e.nextRound(ctx, task)
	case models.TaskStateScheduling:
		return e.reschedule(ctx, task, decision)
	case models.TaskStateWaiting:
		return e.pauseForUser(ctx, task, decision)
	case models.TaskStateFinished:
		return e.finish(ctx, task, workspace)
	case models.TaskStateFailed:
		if err := e.store.SetTaskState(ctx, task.ID, models.TaskStateFailed); err != nil {
			return err
		}
		e.notifier.TaskResultNotify(task.SessionID, task.ID, task.Name, models.TaskStateFailed)
		return nil
	default:
		return fmt.Errorf("unhandled next state %s", nextState)
	}
}

// nextRound cancels any leftovers of the current round, re-enters ACTIVATING,
// and dispatches the next round.
func (e *Engine) nextRound(ctx context.Context, task *models.Task) error {
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		if task.CurrRoundID != nil {
			if err := tx.ClearRoundUnits(ctx, *task.CurrRoundID); err != nil {
				return err
			}
		}
		return tx.SetTaskState(ctx, task.ID, models.TaskStateActivating)
	})
	if err != nil {
		return err
	}
	task.State = models.TaskStateActivating
	e.notifier.TaskRefresh(task.SessionID)

	return e.runRound(ctx, task)
}

// reschedule parks the task until the planner's next execution time.
func (e *Engine) reschedule(ctx context.Context, task *models.Task, decision llm.NextStateOutput) error {
	nextAt, err := llm.ParseOwnerTime(decision.NextExecuteTime, "UTC")
	if err != nil {
		return fmt.Errorf("planner produced an invalid next execution time: %w", err)
	}

	scheduling := models.TaskStateScheduling
	err = e.store.UpdateTask(ctx, task.ID, models.TaskUpdate{
		State:             &scheduling,
		ExpectExecuteTime: &nextAt,
	})
	if err != nil {
		return err
	}
	e.notifier.TaskRefresh(task.SessionID)
	return nil
}

// pauseForUser records the pending question as an assistant chat and asks the
// session service to provision user input.
func (e *Engine) pauseForUser(ctx context.Context, task *models.Task, decision llm.NextStateOutput) error {
	envelope, err := models.WaitingEnvelope{
		Message:   decision.NotifyUser,
		Replenish: decision.Replenish,
	}.Encode()
	if err != nil {
		return err
	}

	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.CreateChat(ctx, task.ID, models.RoleAssistant, envelope); err != nil {
			return err
		}
		return tx.SetTaskState(ctx, task.ID, models.TaskStateWaiting)
	})
	if err != nil {
		return err
	}

	e.notifier.TaskProvision(task.SessionID, task.ID, task.Name,
		decision.NotifyUser, task.CreatedAt, models.TaskStateWaiting, decision.Replenish)
	return nil
}

// finish synthesises the final result, then transitions, then notifies.
func (e *Engine) finish(ctx context.Context, task *models.Task, workspace *models.Workspace) error {
	allUnits, err := e.store.CompletedUnitsByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	unitContext := make([]map[string]any, len(allUnits))
	for i, unit := range allUnits {
		unitContext[i] = map[string]any{
			"name":       unit.Name,
			"objective":  unit.Objective,
			"output":     unit.Output,
			"created_at": unit.CreatedAt.UTC(),
		}
	}
	process := workspace.PRD
	if workspace.Process != nil {
		process = *workspace.Process
	}

	var result llm.ResultOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseResultSynthesiser,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"prd":       workspace.PRD,
			"process":   process,
			"all_units": unitContext,
		})}}, &result)
	if err != nil {
		return fmt.Errorf("result synthesis failed: %w", err)
	}

	finished := models.TaskStateFinished
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateWorkspace(ctx, task.WorkspaceID, models.WorkspaceUpdate{
			Result: &result.Result,
		}); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task.ID, models.TaskUpdate{State: &finished}); err != nil {
			return err
		}
		e.audit(ctx, tx, task.SessionID, models.AuditMessage{
			Thinking: result.Thinking,
			Message:  "task finished",
			Task:     taskSnapshot(task),
			Tokens:   &tokens,
		})
		return nil
	})
	if err != nil {
		return err
	}

	e.notifier.TaskResultNotify(task.SessionID, task.ID, task.Name, models.TaskStateFinished)
	return nil
}
