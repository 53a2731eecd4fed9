package dag

import (
	"tileflow/internal/core"
	"tileflow/internal/tile"
)

// Plan is the output of BuildCholesky.
type Plan struct {
	Graph  *TaskGraph
	Matrix *tile.Matrix
	// Factor holds the final ref of every lower tile, keyed by block (row, col).
	// Fetching these after a successful run yields the L factor.
	Factor map[[2]int]core.TileRef
}

// FactorRefs returns Factor's refs sorted by (row, col).
func (p *Plan) FactorRefs() []core.TileRef {
	out := make([]core.TileRef, 0, len(p.Factor))
	for _, r := range p.Factor {
		out = append(out, r)
	}
	return core.SortRefs(out)
}

// TaskCounts returns the expected number of tasks per kernel for a grid of
// nblocks x nblocks blocks.
func TaskCounts(nblocks int) map[core.Kernel]int {
	p := nblocks
	return map[core.Kernel]int{
		core.Factorize:       p,
		core.SolveTriangular: p * (p - 1) / 2,
		core.UpdateSymmetric: p * (p - 1) / 2,
		core.UpdateGeneral:   p * (p - 1) * (p - 2) / 6,
	}
}

// cholBuilder tracks, per block, the version currently visible and the task
// that last wrote it.
type cholBuilder struct {
	version map[[2]int]int
	writer  map[[2]int]core.TaskID
	seen    map[core.TaskID]struct{}
	tasks   []core.Task
}

func (b *cholBuilder) ref(c [2]int) core.TileRef {
	return core.Ref(c[0], c[1], b.version[c])
}

// add emits one task reading the current version of each coordinate and
// writing the next version of the first.
func (b *cholBuilder) add(kind core.Kernel, coords ...[2]int) {
	inputs := make([]core.TileRef, len(coords))
	var deps []core.TaskID
	for i, c := range coords {
		inputs[i] = b.ref(c)
		if w, ok := b.writer[c]; ok {
			deps = append(deps, w)
		}
	}
	d := core.Descriptor{Kernel: kind, Inputs: inputs, Output: inputs[0].Next()}
	t := core.NewTask(d, deps...)

	if _, dup := b.seen[t.ID]; !dup {
		b.seen[t.ID] = struct{}{}
		b.tasks = append(b.tasks, t)
	}
	b.version[coords[0]] = d.Output.Version
	b.writer[coords[0]] = t.ID
}

// BuildCholesky emits the right-looking tiled Cholesky task graph for m.
//
// For each step k it factors the diagonal block, solves the panel below it,
// and updates the trailing lower submatrix. Every task consumes the current
// versions of its tiles and produces the next version of its first input; its
// dependencies are the last writers of the tiles it reads. Failure returns no
// partial graph.
func BuildCholesky(m *tile.Matrix) (*Plan, error) {
	if m == nil {
		return nil, core.Dimensionf("nil tile matrix")
	}
	if m.Rows() != m.Cols() {
		return nil, core.Dimensionf("tile grid must be square (got %dx%d)", m.Rows(), m.Cols())
	}
	if !m.Lower() {
		return nil, core.Dimensionf("tile matrix must store the lower triangle")
	}
	p := m.Blocks()
	if p == 0 {
		return nil, core.Dimensionf("empty tile grid")
	}

	b := &cholBuilder{
		version: make(map[[2]int]int),
		writer:  make(map[[2]int]core.TaskID),
		seen:    make(map[core.TaskID]struct{}),
	}
	for k := 0; k < p; k++ {
		b.add(core.Factorize, [2]int{k, k})
		for i := k + 1; i < p; i++ {
			b.add(core.SolveTriangular, [2]int{i, k}, [2]int{k, k})
		}
		for i := k + 1; i < p; i++ {
			b.add(core.UpdateSymmetric, [2]int{i, i}, [2]int{i, k})
			for j := k + 1; j < i; j++ {
				b.add(core.UpdateGeneral, [2]int{i, j}, [2]int{i, k}, [2]int{j, k})
			}
		}
	}

	g, err := NewTaskGraph(b.tasks)
	if err != nil {
		return nil, err
	}

	factor := make(map[[2]int]core.TileRef, p*(p+1)/2)
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			factor[[2]int{i, j}] = b.ref([2]int{i, j})
		}
	}
	return &Plan{Graph: g, Matrix: m, Factor: factor}, nil
}
