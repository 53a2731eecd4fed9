package dag

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tileflow/internal/core"
	"tileflow/internal/kernel"
	"tileflow/internal/tile"
)

func mustPlan(t *testing.T, n, b int) *Plan {
	t.Helper()
	m, err := tile.NewMatrix(n, b)
	if err != nil {
		t.Fatalf("NewMatrix(%d, %d): %v", n, b, err)
	}
	p, err := BuildCholesky(m)
	if err != nil {
		t.Fatalf("BuildCholesky: %v", err)
	}
	return p
}

func countKernels(g *TaskGraph) map[core.Kernel]int {
	out := map[core.Kernel]int{}
	for _, task := range g.Tasks() {
		out[task.Kernel]++
	}
	return out
}

// TestBuildCholesky_TaskCounts checks per-kernel counts and the closed form
// p(p+1)(p+2)/6 for the total.
func TestBuildCholesky_TaskCounts(t *testing.T) {
	for p := 1; p <= 10; p++ {
		plan := mustPlan(t, p*3, 3)
		got := countKernels(plan.Graph)
		want := TaskCounts(p)
		for k, n := range want {
			if got[k] != n {
				t.Fatalf("p=%d: %s count = %d, want %d", p, k, got[k], n)
			}
		}
		if total := p * (p + 1) * (p + 2) / 6; plan.Graph.Len() != total {
			t.Fatalf("p=%d: total = %d, want %d", p, plan.Graph.Len(), total)
		}
		if len(plan.Factor) != p*(p+1)/2 {
			t.Fatalf("p=%d: factor has %d tiles", p, len(plan.Factor))
		}
	}
}

func TestBuildCholesky_TwoBlocks(t *testing.T) {
	plan := mustPlan(t, 4, 2)
	g := plan.Graph

	f00 := core.NewTask(core.Descriptor{Kernel: core.Factorize, Inputs: []core.TileRef{core.Ref(0, 0, 0)}, Output: core.Ref(0, 0, 1)})
	s10 := core.NewTask(core.Descriptor{Kernel: core.SolveTriangular, Inputs: []core.TileRef{core.Ref(1, 0, 0), core.Ref(0, 0, 1)}, Output: core.Ref(1, 0, 1)}, f00.ID)
	u11 := core.NewTask(core.Descriptor{Kernel: core.UpdateSymmetric, Inputs: []core.TileRef{core.Ref(1, 1, 0), core.Ref(1, 0, 1)}, Output: core.Ref(1, 1, 1)}, s10.ID)
	f11 := core.NewTask(core.Descriptor{Kernel: core.Factorize, Inputs: []core.TileRef{core.Ref(1, 1, 1)}, Output: core.Ref(1, 1, 2)}, u11.ID)

	for _, want := range []core.Task{f00, s10, u11, f11} {
		got, ok := g.Task(want.ID)
		if !ok {
			t.Fatalf("missing task %s", want.Descriptor)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("task mismatch:\n got %+v\nwant %+v", got, want)
		}
	}
	if g.Len() != 4 {
		t.Fatalf("expected 4 tasks, got %d", g.Len())
	}

	wantOrder := []core.TaskID{f00.ID, s10.ID, u11.ID, f11.ID}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, wantOrder) {
		t.Fatalf("topological order = %v", got)
	}

	wantFactor := map[[2]int]core.TileRef{
		{0, 0}: core.Ref(0, 0, 1),
		{1, 0}: core.Ref(1, 0, 1),
		{1, 1}: core.Ref(1, 1, 2),
	}
	if !reflect.DeepEqual(plan.Factor, wantFactor) {
		t.Fatalf("factor refs = %v", plan.Factor)
	}
}

// TestBuildCholesky_WellFormedForRandomSizes: for random grids, the graph is
// acyclic, dependencies precede dependents, and the tile dataflow verifies.
func TestBuildCholesky_WellFormedForRandomSizes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		p := 1 + rng.IntN(8)
		b := 1 + rng.IntN(4)
		n := (p-1)*b + 1 + rng.IntN(b)
		plan := mustPlan(t, n, b)
		g := plan.Graph

		if err := g.Verify(); err != nil {
			t.Fatalf("n=%d b=%d: Verify: %v", n, b, err)
		}

		pos := map[core.TaskID]int{}
		for i, id := range g.TopologicalOrder() {
			pos[id] = i
		}
		for _, task := range g.Tasks() {
			for _, dep := range task.Deps {
				if pos[dep] >= pos[task.ID] {
					t.Fatalf("n=%d b=%d: dep %s not before %s", n, b, dep.Short(), task.ID.Short())
				}
			}
			if err := task.Validate(); err != nil {
				t.Fatalf("invalid descriptor %s: %v", task.Descriptor, err)
			}
		}
	}
}

// TestBuildCholesky_Deterministic: two builds of the same shape produce the
// same ids, edges and graph hash.
func TestBuildCholesky_Deterministic(t *testing.T) {
	a := mustPlan(t, 23, 4)
	b := mustPlan(t, 23, 4)

	if a.Graph.Hash() != b.Graph.Hash() {
		t.Fatalf("graph hash differs: %s vs %s", a.Graph.Hash(), b.Graph.Hash())
	}
	if !reflect.DeepEqual(a.Graph.TopologicalOrder(), b.Graph.TopologicalOrder()) {
		t.Fatalf("task ids differ")
	}
	if !reflect.DeepEqual(a.Graph.Edges(), b.Graph.Edges()) {
		t.Fatalf("edges differ")
	}

	// The graph depends only on the block count: 24 is still 6x6 blocks.
	same := mustPlan(t, 24, 4)
	if same.Graph.Hash() != a.Graph.Hash() {
		t.Fatalf("equal block grids must hash equally")
	}
	c := mustPlan(t, 25, 4)
	if c.Graph.Hash() == a.Graph.Hash() {
		t.Fatalf("different grids must hash differently")
	}
}

func TestBuildCholesky_RejectsNil(t *testing.T) {
	_, err := BuildCholesky(nil)
	if !errors.Is(err, core.ErrDimension) {
		t.Fatalf("expected DimensionError, got %v", err)
	}
}

func TestVerify_RejectsBrokenDataflow(t *testing.T) {
	f := core.NewTask(core.Descriptor{Kernel: core.Factorize, Inputs: []core.TileRef{core.Ref(0, 0, 0)}, Output: core.Ref(0, 0, 1)})
	solve := core.Descriptor{Kernel: core.SolveTriangular, Inputs: []core.TileRef{core.Ref(1, 0, 0), core.Ref(0, 0, 1)}, Output: core.Ref(1, 0, 1)}
	other := core.NewTask(core.Descriptor{Kernel: core.Factorize, Inputs: []core.TileRef{core.Ref(2, 2, 0)}, Output: core.Ref(2, 2, 1)})

	tests := []struct {
		name  string
		tasks []core.Task
	}{
		{"missing producer dep", []core.Task{f, core.NewTask(solve)}},
		{"unrelated dep", []core.Task{f, other, core.NewTask(solve, f.ID, other.ID)}},
		{"unproduced non-seed input", []core.Task{core.NewTask(core.Descriptor{Kernel: core.Factorize, Inputs: []core.TileRef{core.Ref(0, 0, 3)}, Output: core.Ref(0, 0, 4)})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewTaskGraph(tt.tasks)
			if err != nil {
				t.Fatalf("unexpected construction error: %v", err)
			}
			if err := g.Verify(); !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
		})
	}

	ok, err := NewTaskGraph([]core.Task{f, core.NewTask(solve, f.ID)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ok.Verify(); err != nil {
		t.Fatalf("valid dataflow rejected: %v", err)
	}
}

// TestBuildCholesky_SerialEvaluationMatchesDenseFactor runs the graph in
// topological order with the kernel table and compares the assembled factor.
func TestBuildCholesky_SerialEvaluationMatchesDenseFactor(t *testing.T) {
	a, err := tile.Generate(tile.GenSPD, 11, 5)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	m, err := tile.Partition(a, 3)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	plan, err := BuildCholesky(m)
	if err != nil {
		t.Fatalf("BuildCholesky: %v", err)
	}

	store := m.Seeds()
	kt := kernel.Default()
	for _, id := range plan.Graph.TopologicalOrder() {
		task, _ := plan.Graph.Task(id)
		inputs := make([][]byte, len(task.Inputs))
		for i, ref := range task.Inputs {
			b, ok := store[ref]
			if !ok {
				t.Fatalf("%s reads %s before it exists", task.Descriptor, ref)
			}
			inputs[i] = b
		}
		out, err := kt.Run(task.Kernel, inputs)
		if err != nil {
			t.Fatalf("%s: %v", task.Descriptor, err)
		}
		store[task.Output] = out
	}

	tiles := map[[2]int]*mat.Dense{}
	for coord, ref := range plan.Factor {
		d, err := tile.Decode(store[ref])
		if err != nil {
			t.Fatalf("decode %s: %v", ref, err)
		}
		tiles[coord] = d
	}
	l, err := tile.Assemble(11, 3, tiles, true)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	var chol mat.Cholesky
	if !chol.Factorize(a) {
		t.Fatalf("reference factorization failed")
	}
	var want mat.TriDense
	chol.LTo(&want)
	if !mat.EqualApprox(l, &want, 1e-10) {
		t.Fatalf("factor mismatch:\n%v", mat.Formatted(l))
	}
}
