package dag

import "tileflow/internal/core"

// TaskState is the runtime execution state of a task.
//
// This is intentionally separated from TaskGraph, which is immutable.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskRetrying  TaskState = "RETRYING"
	TaskFatal     TaskState = "FATAL"
	TaskCancelled TaskState = "CANCELLED"
)

// ExecutionState maps task id to its current TaskState.
//
// It is a plain map so the scheduler can remain a pure function without
// coupling to a fabric implementation.
type ExecutionState map[core.TaskID]TaskState

// NewExecutionState returns a state with every task of g PENDING.
func NewExecutionState(g *TaskGraph) ExecutionState {
	st := make(ExecutionState, g.Len())
	for _, n := range g.nodes {
		st[n.Task.ID] = TaskPending
	}
	return st
}

// Count returns how many tasks are in each state.
func (s ExecutionState) Count() map[TaskState]int {
	out := make(map[TaskState]int)
	for _, st := range s {
		out[st]++
	}
	return out
}
