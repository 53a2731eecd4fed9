package dag

import (
	"sort"

	"tileflow/internal/core"
)

// GetReadyTasks returns the deterministically ordered list of task ids that are
// eligible to run.
//
// Policy:
//   - A task is ready iff it is PENDING and all its dependencies are COMPLETED.
//   - The returned list is sorted by (topological depth asc, task id asc).
//
// This function is pure: it does not mutate graph or state.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []core.TaskID {
	if g == nil {
		return nil
	}

	ready := make([]core.TaskID, 0)
	for _, node := range g.nodes {
		st, ok := state[node.Task.ID]
		if !ok || st != TaskPending {
			continue
		}

		depsOK := true
		for _, parentIdx := range g.incoming[node.canonicalIndex] {
			pst, ok := state[g.nodes[parentIdx].Task.ID]
			if !ok || !IsSuccessful(pst) {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, node.Task.ID)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})

	return ready
}
