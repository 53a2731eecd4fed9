package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"tileflow/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG of tasks.
//
// It is safe for concurrent read access.
type TaskGraph struct {
	nodesByID map[core.TaskID]*TaskNode
	nodes     []*TaskNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewTaskGraph builds and validates a TaskGraph. Edges come from each task's Deps.
//
// Validation runs immediately and rejects:
//   - an empty task list
//   - empty or duplicate task ids
//   - ids that do not match their descriptor
//   - dependencies on unknown tasks
//   - self-loops
//   - any cycle (direct or indirect)
func NewTaskGraph(tasks []core.Task) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodesByID := make(map[core.TaskID]*TaskNode, len(tasks))
	nodes := make([]*TaskNode, 0, len(tasks))

	for _, t := range tasks {
		if t.ID == "" {
			return nil, invalidf("task id is required")
		}
		if _, exists := nodesByID[t.ID]; exists {
			return nil, invalidf("duplicate task id: %s", t.ID.Short())
		}
		if want := t.Descriptor.ID(); want != t.ID {
			return nil, invalidf("task %s does not match its descriptor (%s)", t.ID.Short(), want.Short())
		}
		node := &TaskNode{Task: t}
		nodesByID[t.ID] = node
		nodes = append(nodes, node)
	}

	// Canonicalize nodes: task ids are content hashes, so sorting by id is
	// independent of insertion order.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Task.ID < nodes[j].Task.ID })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(tasks))
	seen := make(map[edgeIndex]struct{})
	for _, n := range nodes {
		for _, dep := range n.Task.Deps {
			parent, ok := nodesByID[dep]
			if !ok {
				return nil, invalidf("task %s depends on unknown task %s", n.Task.ID.Short(), dep.Short())
			}
			if parent == n {
				return nil, invalidf("self-loop: %s", dep.Short())
			}
			pair := edgeIndex{from: parent.canonicalIndex, to: n.canonicalIndex}
			if _, exists := seen[pair]; exists {
				continue
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &TaskGraph{
		nodesByID: nodesByID,
		nodes:     nodes,
		edges:     mapped,
		outgoing:  outgoing,
		incoming:  incoming,
		indeg:     indeg,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()

	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Len is the number of tasks.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Task returns the task with the given id.
func (g *TaskGraph) Task(id core.TaskID) (core.Task, bool) {
	n, ok := g.nodesByID[id]
	if !ok {
		return core.Task{}, false
	}
	return n.Task, true
}

// Node returns a node by id.
func (g *TaskGraph) Node(id core.TaskID) (*TaskNode, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*TaskNode {
	out := make([]*TaskNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Tasks returns the tasks in canonical order.
func (g *TaskGraph) Tasks() []core.Task {
	out := make([]core.Task, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Task
	}
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Task.ID, To: g.nodes[e.to].Task.ID})
	}
	return out
}

// Dependents returns the direct dependents of id in canonical order.
func (g *TaskGraph) Dependents(id core.TaskID) []core.TaskID {
	n, ok := g.nodesByID[id]
	if !ok {
		return nil
	}
	out := make([]core.TaskID, 0, len(g.outgoing[n.canonicalIndex]))
	for _, idx := range g.outgoing[n.canonicalIndex] {
		out = append(out, g.nodes[idx].Task.ID)
	}
	return out
}

// Depth returns the deterministic topological depth of the given task.
//
// Depth is defined as the length of the longest path from any root to the node.
func (g *TaskGraph) Depth(id core.TaskID) (int, bool) {
	n, ok := g.nodesByID[id]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	order := g.topoOrderIndices()
	for _, u := range order {
		maxParent := 0
		for _, p := range g.incoming[u] {
			cand := depth[p] + 1
			if cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of task ids.
//
// Since the graph is validated on construction, this method must not fail.
func (g *TaskGraph) TopologicalOrder() []core.TaskID {
	order := g.topoOrderIndices()
	ids := make([]core.TaskID, 0, len(order))
	for _, idx := range order {
		ids = append(ids, g.nodes[idx].Task.ID)
	}
	return ids
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	h := sha256.New()

	var lengthBytes [8]byte
	writeField := func(data []byte) {
		binary.BigEndian.PutUint64(lengthBytes[:], uint64(len(data)))
		h.Write(lengthBytes[:])
		h.Write(data)
	}
	writeInt := func(v int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		writeField(b[:])
	}

	// Nodes (canonical order)
	writeInt(len(g.nodes))
	for _, n := range g.nodes {
		writeField([]byte(n.Task.ID))
	}

	// Edges (canonical order)
	writeInt(len(g.edges))
	for _, e := range g.edges {
		writeInt(e.from)
		writeInt(e.to)
	}

	sum := h.Sum(nil)
	return GraphHash(hex.EncodeToString(sum))
}
