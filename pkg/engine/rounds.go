package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// ExecuteTask is the ready-topic handler. It guards on QUEUING, generates the
// initial plan when needed, dispatches one round of units, executes them in
// parallel, and hands the task to the running topic.
func (e *Engine) ExecuteTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			slog.Warn("Dropping ready message for missing task", "task_id", taskID)
			return nil
		}
		return err
	}

	if task.State != models.TaskStateQueuing {
		if task.State.IsTerminal() {
			slog.Info("Dropping ready message for terminal task",
				"task_id", taskID,
				"state", task.State)
			return nil
		}
		// Duplicate delivery or reclaim; re-arm instead of racing.
		return e.CallSoon(ctx, taskID)
	}

	if err := e.activate(ctx, task); err != nil {
		e.markFailed(ctx, task, err)
		return err
	}
	return nil
}

// activate moves the task to ACTIVATING, plans if this is the first round,
// and runs one full round cycle.
func (e *Engine) activate(ctx context.Context, task *models.Task) error {
	if err := e.store.SetTaskState(ctx, task.ID, models.TaskStateActivating); err != nil {
		return err
	}
	task.State = models.TaskStateActivating
	e.notifier.TaskRefresh(task.SessionID)

	if task.CurrRoundID == nil && task.PrevRoundID == nil {
		if err := e.plan(ctx, task); err != nil {
			return err
		}
	}
	return e.runRound(ctx, task)
}

// plan generates the first execution plan from the prd and persists it as the
// workspace process.
func (e *Engine) plan(ctx context.Context, task *models.Task) error {
	workspace, err := e.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}

	var planning llm.PlanningOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhasePlanner,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"prd": workspace.PRD,
		})}}, &planning)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	err = e.store.UpdateWorkspace(ctx, task.WorkspaceID, models.WorkspaceUpdate{
		Process: &planning.Process,
	})
	if err != nil {
		return err
	}

	e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
		Thinking: planning.Thinking,
		Message:  "execution plan generated",
		Task:     taskSnapshot(task),
		Tokens:   &tokens,
	})
	return nil
}

// runRound decomposes the current process into units, swaps the round
// pointers, executes all units of the new round in parallel, and publishes
// the task to the running topic once every unit has settled.
func (e *Engine) runRound(ctx context.Context, task *models.Task) error {
	workspace, err := e.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}
	process := workspace.PRD
	if workspace.Process != nil {
		process = *workspace.Process
	}

	var unitList llm.UnitListOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseUnitGenerator,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"process":          process,
			"mcp_server_infos": task.MCPServerInfos,
		})}}, &unitList)
	if err != nil {
		return fmt.Errorf("unit decomposition failed: %w", err)
	}
	if len(unitList.UnitList) == 0 {
		return errors.New("unit decomposition returned no executable units")
	}

	// Swap round pointers, cancel leftovers of the old round, and insert the
	// new round's units in one transaction so at most one round is ever live.
	newRound := uuid.New()
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		update := models.TaskUpdate{CurrRoundID: &newRound}
		if task.CurrRoundID != nil {
			if err := tx.ClearRoundUnits(ctx, *task.CurrRoundID); err != nil {
				return err
			}
			update.PrevRoundID = task.CurrRoundID
		}
		if err := tx.UpdateTask(ctx, task.ID, update); err != nil {
			return err
		}

		creates := make([]models.UnitCreate, len(unitList.UnitList))
		for i, spec := range unitList.UnitList {
			creates[i] = models.UnitCreate{
				TaskID:    task.ID,
				RoundID:   newRound,
				Name:      spec.Name,
				Objective: spec.Objective,
			}
		}
		_, err := tx.CreateUnits(ctx, creates)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch round: %w", err)
	}

	task.PrevRoundID = task.CurrRoundID
	task.CurrRoundID = &newRound

	e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
		Thinking: unitList.Thinking,
		Message:  fmt.Sprintf("round dispatched with %d units", len(unitList.UnitList)),
		Task:     taskSnapshot(task),
		Tokens:   &tokens,
	})

	if err := e.executeRound(ctx, task, workspace, newRound); err != nil {
		return err
	}

	if _, err := e.bus.Send(ctx, broker.TopicRunning, broker.TaskMessage{TaskID: task.ID}); err != nil {
		return fmt.Errorf("failed to publish round completion: %w", err)
	}
	return nil
}

// executeRound fans out one goroutine per pending unit and waits for all of
// them. Any unit failure fails the round.
func (e *Engine) executeRound(ctx context.Context, task *models.Task, workspace *models.Workspace, roundID uuid.UUID) error {
	var prevUnits []models.Unit
	if task.PrevRoundID != nil {
		var err error
		prevUnits, err = e.store.RoundUnits(ctx, *task.PrevRoundID)
		if err != nil {
			return err
		}
	}
	chats, err := e.store.ChatsByTask(ctx, task.ID)
	if err != nil {
		return err
	}

	unitIDs, err := e.store.RoundUnitIDs(ctx, roundID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(unitIDs))
	for i, unitID := range unitIDs {
		wg.Add(1)
		go func(i int, unitID int64) {
			defer wg.Done()
			errs[i] = e.executeUnit(ctx, task, workspace, unitID, prevUnits, chats)
		}(i, unitID)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// executeUnit runs one unit to completion: RUNNING, one unit-executor call,
// COMPLETE with the output. Terminal units are skipped.
func (e *Engine) executeUnit(ctx context.Context, task *models.Task, workspace *models.Workspace, unitID int64, prevUnits []models.Unit, chats []models.Chat) error {
	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.State.IsTerminal() {
		return nil
	}

	if err := e.store.SetUnitState(ctx, unitID, models.UnitStateRunning); err != nil {
		return err
	}

	prevContext := make([]map[string]any, len(prevUnits))
	for i, prev := range prevUnits {
		prevContext[i] = map[string]any{
			"name":       prev.Name,
			"objective":  prev.Objective,
			"output":     prev.Output,
			"created_at": prev.CreatedAt.UTC(),
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

	var result llm.UnitExecuteOutput
	tokens, err := e.llm.Run(ctx, task.SessionID, llm.PhaseUnitExecutor,
		[]llm.Message{{Role: models.RoleUser, Content: jsonBlock(map[string]any{
			"name":             unit.Name,
			"objective":        unit.Objective,
			"prev_units":       prevContext,
			"prd":              workspace.PRD,
			"prd_created_time": workspace.CreatedAt.UTC(),
			"chats":            chatContext,
			"mcp_server_infos": task.MCPServerInfos,
		})}}, &result)
	if err != nil {
		return fmt.Errorf("unit %d execution failed: %w", unitID, err)
	}

	if err := e.store.CompleteUnit(ctx, unitID, result.Output); err != nil {
		return err
	}

	e.audit(ctx, e.store, task.SessionID, models.AuditMessage{
		Thinking: result.Thinking,
		Message:  result.Output,
		Tokens:   &tokens,
	})
	return nil
}
