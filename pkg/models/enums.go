// Package models defines the persisted entities and enums shared by the
// store, engine, broker, and API layers.
package models

// TaskState is the lifecycle state of a task. The wire values are stable and
// stored verbatim in the database and API payloads.
type TaskState string

const (
	// TaskStateInitial is a freshly created task not yet admitted.
	TaskStateInitial TaskState = "initial"
	// TaskStateQueuing means the task has been claimed by admission and is
	// on the ready topic awaiting a worker.
	TaskStateQueuing TaskState = "enqueued"
	// TaskStateActivating means a worker is advancing the task through a round.
	TaskStateActivating TaskState = "activating"
	// TaskStateWaiting means the task paused for user input.
	TaskStateWaiting TaskState = "waiting"
	// TaskStateScheduling means the task is parked until its next
	// expect_execute_time and will be re-admitted when due.
	TaskStateScheduling TaskState = "scheduled"
	// TaskStateFinished is the successful terminal state.
	TaskStateFinished TaskState = "finished"
	// TaskStateFailed is the unsuccessful terminal state.
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled is the user-driven terminal state.
	TaskStateCancelled TaskState = "cancelled"
	// TaskStateUpdating blocks engine advancement while a refactor runs.
	TaskStateUpdating TaskState = "updating"
)

// IsTerminal reports whether no further transitions are permitted.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinished || s == TaskStateFailed || s == TaskStateCancelled
}

// DispatchableStates are the states the admission producer claims from.
var DispatchableStates = []TaskState{TaskStateInitial, TaskStateScheduling}

// ReviewStates are the states the review sweep inspects for staleness.
var ReviewStates = []TaskState{TaskStateActivating, TaskStateQueuing}

// InProgressStates is the "in_progress" listing bucket.
var InProgressStates = []TaskState{
	TaskStateActivating, TaskStateQueuing, TaskStateInitial, TaskStateScheduling,
}

// UnitState is the lifecycle state of one sub-unit within a round.
type UnitState string

const (
	UnitStateCreated   UnitState = "CREATED"
	UnitStateRunning   UnitState = "RUNNING"
	UnitStateComplete  UnitState = "COMPLETE"
	UnitStateCancelled UnitState = "CANCELLED"
)

// IsTerminal reports whether the unit can no longer transition.
func (s UnitState) IsTerminal() bool {
	return s == UnitStateComplete || s == UnitStateCancelled
}

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleSystem    MessageRole = "system"
	RoleAssistant MessageRole = "assistant"
)

// PlannerState is the next-state decision returned by the planner after a
// round. It is a subset of TaskState without the admission-only states.
type PlannerState string

const (
	PlannerStateActivating PlannerState = "activating"
	PlannerStateWaiting    PlannerState = "waiting"
	PlannerStateScheduling PlannerState = "scheduled"
	PlannerStateFinished   PlannerState = "finished"
	PlannerStateFailed     PlannerState = "failed"
)

// TaskState maps the planner decision onto the task lifecycle.
func (s PlannerState) TaskState() TaskState {
	return TaskState(s)
}

// Valid reports whether the planner returned a known decision.
func (s PlannerState) Valid() bool {
	switch s {
	case PlannerStateActivating, PlannerStateWaiting, PlannerStateScheduling,
		PlannerStateFinished, PlannerStateFailed:
		return true
	}
	return false
}
