package dag

import "tileflow/internal/core"

// GraphResult is the deterministic summary of one execution of a graph.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each task.
	FinalState ExecutionState

	// Attempts is how many times each task was started.
	Attempts map[core.TaskID]int

	// FatalTask is the first task to become FATAL, empty on success.
	FatalTask core.TaskID
}

// Succeeded reports whether every task completed.
func (r *GraphResult) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, st := range r.FinalState {
		if st != TaskCompleted {
			return false
		}
	}
	return true
}
