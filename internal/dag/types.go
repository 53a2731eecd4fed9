package dag

import "tileflow/internal/core"

// GraphHash is the deterministic identity of a TaskGraph.
//
// It is computed solely from task ids and dependency structure, and is stable
// across different insertion orders of tasks.
type GraphHash string

// Edge represents a dependency relation: To depends on From.
//
// A directed edge From -> To means To can only run after From completes
// successfully.
type Edge struct {
	From core.TaskID
	To   core.TaskID
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Task           core.Task
	canonicalIndex int
}

// ID is shorthand for n.Task.ID.
func (n *TaskNode) ID() core.TaskID { return n.Task.ID }

// CanonicalIndex returns the node's deterministic position in the graph's canonical ordering.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }

func (h GraphHash) String() string { return string(h) }
