package dag

import (
	"errors"
	"testing"

	"tileflow/internal/core"
)

func TestGraphConstruction_SingleNode(t *testing.T) {
	g, err := NewTaskGraph([]core.Task{node(0)})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if g.Hash() == "" {
		t.Fatalf("expected non-empty graph hash")
	}
	if got := g.TopologicalOrder(); len(got) != 1 || got[0] != idOf(0) {
		t.Fatalf("unexpected topo order: %v", got)
	}
	if g.Len() != 1 {
		t.Fatalf("Len() = %d", g.Len())
	}
}

func TestGraphConstruction_DependencyChain(t *testing.T) {
	a := node(0)
	b := node(1, a.ID)
	c := node(2, b.ID)
	g, err := NewTaskGraph([]core.Task{c, a, b})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	order := g.TopologicalOrder()
	pos := map[core.TaskID]int{}
	for i, id := range order {
		pos[id] = i
	}
	if !(pos[a.ID] < pos[b.ID] && pos[b.ID] < pos[c.ID]) {
		t.Fatalf("expected a < b < c, got %v", order)
	}
	if d, _ := g.Depth(c.ID); d != 2 {
		t.Fatalf("Depth(c) = %d, want 2", d)
	}
	if got := g.Dependents(a.ID); len(got) != 1 || got[0] != b.ID {
		t.Fatalf("Dependents(a) = %v", got)
	}
}

func TestGraphConstruction_DiamondDepth(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d
	a := node(0)
	b := node(1, a.ID)
	c := node(2, a.ID)
	d := node(3, b.ID, c.ID)
	g, err := NewTaskGraph([]core.Task{a, b, c, d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth, _ := g.Depth(d.ID); depth != 2 {
		t.Fatalf("Depth(d) = %d, want 2", depth)
	}
	if len(g.Edges()) != 4 {
		t.Fatalf("expected 4 edges, got %v", g.Edges())
	}
}

// TestGraphHash_InsertionOrderIndependent: the same task set must hash the
// same regardless of input order.
func TestGraphHash_InsertionOrderIndependent(t *testing.T) {
	a := node(0)
	b := node(1, a.ID)
	c := node(2, a.ID, b.ID)

	g1, err := NewTaskGraph([]core.Task{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := NewTaskGraph([]core.Task{c, b, a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() != g2.Hash() {
		t.Fatalf("hash depends on insertion order: %s != %s", g1.Hash(), g2.Hash())
	}

	g3, err := NewTaskGraph([]core.Task{a, b, node(2, a.ID)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g3.Hash() == g1.Hash() {
		t.Fatalf("removing an edge must change the hash")
	}
}

func TestGraphConstruction_Rejections(t *testing.T) {
	a := node(0)
	forged := node(1)
	forged.ID = idOf(5)

	tests := []struct {
		name  string
		tasks []core.Task
		kind  error
	}{
		{"empty", nil, ErrInvalidGraph},
		{"duplicate id", []core.Task{a, a}, ErrInvalidGraph},
		{"missing id", []core.Task{{Descriptor: a.Descriptor}}, ErrInvalidGraph},
		{"forged id", []core.Task{forged}, ErrInvalidGraph},
		{"unknown dep", []core.Task{node(1, idOf(9))}, ErrInvalidGraph},
		{"self loop", []core.Task{node(1, idOf(1))}, ErrInvalidGraph},
		{"cycle", []core.Task{node(1, idOf(2)), node(2, idOf(3)), node(3, idOf(1))}, ErrCycleFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTaskGraph(tt.tasks)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

// TestCycleWitness_Deterministic: the reported cycle is the same every time.
func TestCycleWitness_Deterministic(t *testing.T) {
	tasks := []core.Task{node(1, idOf(2)), node(2, idOf(3)), node(3, idOf(1)), node(4)}
	_, first := NewTaskGraph(tasks)
	for i := 0; i < 10; i++ {
		_, err := NewTaskGraph([]core.Task{tasks[3], tasks[2], tasks[0], tasks[1]})
		if err == nil || err.Error() != first.Error() {
			t.Fatalf("cycle witness changed: %v vs %v", err, first)
		}
	}
}
