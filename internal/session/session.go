// Package session drives one factorization from the client side: it seeds
// the input tiles, submits the whole task graph, waits for every task and
// gathers the factor back into a dense matrix.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"tileflow/internal/core"
	"tileflow/internal/dag"
	"tileflow/internal/fabric"
	"tileflow/internal/logger"
	"tileflow/internal/tile"
)

// Seeder uploads version 0 tiles to the fabric.
type Seeder interface {
	Seed(ref core.TileRef, payload []byte) error
}

// Result is the outcome of Run.
type Result struct {
	dag.GraphResult

	Statuses map[core.TaskID]fabric.Status
	// Err is the failure of the first task to become fatal, nil on success.
	Err *core.TaskError
}

// Counts returns how many tasks ended in each fabric state.
func (r *Result) Counts() map[fabric.State]int {
	out := map[fabric.State]int{}
	for _, st := range r.Statuses {
		out[st.State]++
	}
	return out
}

// Options tunes a session.
type Options struct {
	// GatherConcurrency bounds parallel fetches in Gather. Defaults to 8.
	GatherConcurrency int
	Logger            *zap.SugaredLogger
}

// Session binds a fabric client and seeder.
type Session struct {
	client fabric.Client
	seeder Seeder
	opts   Options
	log    *zap.SugaredLogger
}

// New returns a Session.
func New(client fabric.Client, seeder Seeder, opts Options) (*Session, error) {
	if client == nil || seeder == nil {
		return nil, fmt.Errorf("session needs a fabric client and a seeder")
	}
	if opts.GatherConcurrency <= 0 {
		opts.GatherConcurrency = 8
	}
	return &Session{client: client, seeder: seeder, opts: opts, log: logger.OrNop(opts.Logger)}, nil
}

// Run executes plan and blocks until every task is terminal.
//
// A non-nil error is either a failure to talk to the fabric or, when the
// graph ran but did not complete, the *core.TaskError of the first task that
// became fatal. The Result is returned in both graph cases.
func (s *Session) Run(ctx context.Context, plan *dag.Plan) (*Result, error) {
	if plan == nil || plan.Graph == nil || plan.Matrix == nil {
		return nil, fmt.Errorf("empty plan")
	}

	seeds := plan.Matrix.Seeds()
	for _, ref := range sortedRefs(seeds) {
		if err := s.seeder.Seed(ref, seeds[ref]); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", ref, err)
		}
	}
	s.log.Debugw("seeded tiles", "tiles", len(seeds))

	tasks := plan.Graph.Tasks()
	handles, err := s.client.Submit(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("submitting graph: %w", err)
	}
	s.log.Infow("submitted graph", "graph", plan.Graph.Hash(), "tasks", len(tasks))

	statuses, err := s.client.Wait(ctx, handles)
	if err != nil {
		return nil, fmt.Errorf("waiting for graph: %w", err)
	}

	res := &Result{
		GraphResult: dag.GraphResult{
			GraphHash:  plan.Graph.Hash(),
			FinalState: make(dag.ExecutionState, len(statuses)),
			Attempts:   make(map[core.TaskID]int, len(statuses)),
		},
		Statuses: statuses,
	}
	first := 0
	for id, st := range statuses {
		res.FinalState[id] = finalState(st.State)
		res.Attempts[id] = st.Attempts
		if st.State != fabric.StateFailed {
			continue
		}
		if first != 0 && st.Seq >= first {
			continue
		}
		first = st.Seq
		res.FatalTask = id
		res.Err = asTaskError(plan.Graph, id, st.Err)
	}
	if res.Err != nil {
		return res, res.Err
	}
	if !res.Succeeded() {
		return res, fmt.Errorf("graph %s did not complete", plan.Graph.Hash())
	}
	return res, nil
}

// Gather fetches every final factor tile and assembles L. The strict upper
// triangle is zero.
func (s *Session) Gather(ctx context.Context, plan *dag.Plan) (*mat.Dense, error) {
	if plan == nil || plan.Matrix == nil {
		return nil, fmt.Errorf("empty plan")
	}
	var mu sync.Mutex
	tiles := make(map[[2]int]*mat.Dense, len(plan.Factor))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.GatherConcurrency)
	for _, ref := range plan.FactorRefs() {
		g.Go(func() error {
			b, err := s.client.Fetch(gctx, ref)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", ref, err)
			}
			d, err := tile.Decode(b)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", ref, err)
			}
			mu.Lock()
			tiles[[2]int{ref.Row, ref.Col}] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tile.Assemble(plan.Matrix.N(), plan.Matrix.BlockSize(), tiles, true)
}

// Factorize partitions a, runs the Cholesky graph and returns L.
func (s *Session) Factorize(ctx context.Context, a mat.Matrix, blockSize int) (*mat.Dense, *Result, error) {
	m, err := tile.Partition(a, blockSize)
	if err != nil {
		return nil, nil, err
	}
	plan, err := dag.BuildCholesky(m)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.Run(ctx, plan)
	if err != nil {
		return nil, res, err
	}
	l, err := s.Gather(ctx, plan)
	if err != nil {
		return nil, res, err
	}
	return l, res, nil
}

// Residual measures how well l reproduces a. It returns the largest absolute
// entry of L*Lᵀ - A and the Frobenius norm of that difference relative to A's.
func Residual(a mat.Matrix, l mat.Matrix) (maxAbs, relative float64, err error) {
	ar, ac := a.Dims()
	lr, lc := l.Dims()
	if ar != ac || lr != lc || ar != lr {
		return 0, 0, core.Dimensionf("cannot compare %dx%d factor with %dx%d matrix", lr, lc, ar, ac)
	}
	var diff mat.Dense
	diff.Mul(l, l.T())
	diff.Sub(&diff, a)
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			maxAbs = math.Max(maxAbs, math.Abs(diff.At(i, j)))
		}
	}
	norm := mat.Norm(a, 2)
	if norm == 0 {
		return maxAbs, mat.Norm(&diff, 2), nil
	}
	return maxAbs, mat.Norm(&diff, 2) / norm, nil
}

func finalState(s fabric.State) dag.TaskState {
	switch s {
	case fabric.StateCompleted:
		return dag.TaskCompleted
	case fabric.StateFailed:
		return dag.TaskFatal
	case fabric.StateCancelled:
		return dag.TaskCancelled
	default:
		return dag.TaskPending
	}
}

func asTaskError(g *dag.TaskGraph, id core.TaskID, err error) *core.TaskError {
	var te *core.TaskError
	if errors.As(err, &te) {
		return te
	}
	t, _ := g.Task(id)
	kind := core.KindOf(err)
	if kind == nil {
		kind = core.ErrTransport
	}
	return core.NewTaskError(kind, t.Descriptor, err)
}

func sortedRefs(m map[core.TileRef][]byte) []core.TileRef {
	out := make([]core.TileRef, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	return core.SortRefs(out)
}
