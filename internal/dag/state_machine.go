package dag

import (
	"container/heap"
	"fmt"

	"tileflow/internal/core"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFatal, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependencies.
func IsSuccessful(s TaskState) bool {
	return s == TaskCompleted
}

// Transition performs an atomic validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races observable.
// This function mutates the provided state map if and only if the transition is valid.
func Transition(state ExecutionState, id core.TaskID, from, to TaskState) error {
	cur, ok := state[id]
	if !ok {
		return fmt.Errorf("unknown task in state: %s", id.Short())
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %s: expected %s, got %s", id.Short(), from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", id.Short(), from, to)
	}
	state[id] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskReady || to == TaskCancelled
	case TaskReady:
		return to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	case TaskFailed:
		return to == TaskRetrying || to == TaskFatal
	case TaskRetrying:
		return to == TaskRunning
	default:
		return false
	}
}

// FatalAndPropagate transitions id from FAILED to FATAL and transitively marks
// every non-terminal descendant CANCELLED. It returns the cancelled ids in
// canonical order.
//
// Determinism:
//   - The set of nodes marked CANCELLED is defined purely by reachability.
//   - Traversal is in deterministic canonical index order.
//
// Safety:
//   - A descendant can only start once all its ancestors completed, so a
//     RUNNING, FAILED or RETRYING descendant is an invariant violation.
func FatalAndPropagate(g *TaskGraph, state ExecutionState, id core.TaskID) ([]core.TaskID, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", id.Short())
	}

	cur, ok := state[id]
	if !ok {
		return nil, fmt.Errorf("unknown task in state: %s", id.Short())
	}
	if cur != TaskFailed && cur != TaskFatal {
		return nil, fmt.Errorf("cannot make %s fatal from state %s", id.Short(), cur)
	}
	state[id] = TaskFatal

	return cancelDescendants(g, state, node.canonicalIndex)
}

// CancelDescendants marks every PENDING or READY descendant of id CANCELLED.
// Used when id itself was cancelled rather than failed.
func CancelDescendants(g *TaskGraph, state ExecutionState, id core.TaskID) ([]core.TaskID, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", id.Short())
	}
	return cancelDescendants(g, state, node.canonicalIndex)
}

func cancelDescendants(g *TaskGraph, state ExecutionState, start int) ([]core.TaskID, error) {
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	var cancelled []core.TaskID
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		id := g.nodes[u].Task.ID
		st, ok := state[id]
		if !ok {
			return cancelled, fmt.Errorf("missing state for %s", id.Short())
		}

		switch st {
		case TaskPending, TaskReady:
			state[id] = TaskCancelled
			cancelled = append(cancelled, id)
		case TaskRunning, TaskFailed, TaskRetrying:
			return cancelled, fmt.Errorf("invariant violation: downstream task %s is %s during failure propagation", id.Short(), st)
		default:
			// Terminal already. Leave unchanged.
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return cancelled, nil
}
