package dag

import (
	"container/heap"

	"tileflow/internal/core"
)

// validateAcyclic proves the graph has no cycles using Kahn's algorithm.
//
// If a cycle exists, it deterministically extracts one cycle path for error reporting.
func (g *TaskGraph) validateAcyclic() error {
	order := g.topoOrderIndices()
	if len(order) == len(g.nodes) {
		return nil
	}

	cyclePath := g.findCycleDeterministic()
	return cycleError(cyclePath)
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a deterministic topological ordering of node indices.
//
// Determinism: the ready queue is a min-heap by canonical index.
func (g *TaskGraph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycleDeterministic performs a deterministic DFS over canonical indices to
// extract one cycle path.
//
// This does not attempt to list all cycles; it returns a single stable witness.
func (g *TaskGraph) findCycleDeterministic() []core.TaskID {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] { // already sorted
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// Found a back-edge u -> v. Reconstruct cycle v ... u -> v.
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.nodes); i++ {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}

	// cycle is [v, u, ..., v] in parent-walk order. Reverse it to get the
	// forward path, keeping the closing node.
	out := make([]core.TaskID, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].Task.ID)
	}
	return out
}

// Verify checks that the graph is a well-formed dataflow over tiles:
//   - no two tasks produce the same TileRef
//   - every input produced inside the graph is a dependency of its consumer
//   - every input not produced inside the graph is a version 0 tile
//   - every dependency produces at least one of the task's inputs
//
// NewTaskGraph already guarantees acyclicity; Verify adds the bipartite
// task/tile consistency on top.
func (g *TaskGraph) Verify() error {
	producer := make(map[core.TileRef]core.TaskID, len(g.nodes))
	for _, n := range g.nodes {
		out := n.Task.Output
		if prev, dup := producer[out]; dup {
			return invalidf("tile %s produced by both %s and %s", out, prev.Short(), n.Task.ID.Short())
		}
		producer[out] = n.Task.ID
	}

	for _, n := range g.nodes {
		deps := make(map[core.TaskID]bool, len(n.Task.Deps))
		for _, d := range n.Task.Deps {
			deps[d] = false
		}
		for _, in := range n.Task.Inputs {
			p, ok := producer[in]
			if !ok {
				if in.Version != 0 {
					return invalidf("task %s reads %s which no task produces", n.Task.ID.Short(), in)
				}
				continue
			}
			if _, ok := deps[p]; !ok {
				return invalidf("task %s reads %s without depending on its producer %s", n.Task.ID.Short(), in, p.Short())
			}
			deps[p] = true
		}
		for _, d := range core.SortIDs(n.Task.Deps) {
			if !deps[d] {
				return invalidf("task %s depends on %s which produces none of its inputs", n.Task.ID.Short(), d.Short())
			}
		}
	}
	return nil
}
