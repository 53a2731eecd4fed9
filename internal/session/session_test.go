package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tileflow/internal/cache"
	"tileflow/internal/core"
	"tileflow/internal/dag"
	"tileflow/internal/fabric"
	"tileflow/internal/tile"
	"tileflow/internal/trace"
	"tileflow/internal/worker"
)

// newCluster wires a Local fabric to a worker sharing one node-local cache.
func newCluster(t *testing.T, sink trace.Sink) (*Session, *fabric.Local) {
	t.Helper()
	w := worker.New(cache.NewMemory(), nil)
	l, err := fabric.NewLocal(w, fabric.Options{
		Concurrency: 4,
		MaxAttempts: 2,
		Backoff:     fabric.BackoffOptions{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		Trace:       sink,
	})
	require.NoError(t, err)
	w.Data = l
	t.Cleanup(func() { _ = l.Close() })

	s, err := New(l, l, Options{GatherConcurrency: 3})
	require.NoError(t, err)
	return s, l
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func reference(t *testing.T, a mat.Symmetric) *mat.Dense {
	t.Helper()
	var chol mat.Cholesky
	require.True(t, chol.Factorize(a))
	var l mat.TriDense
	chol.LTo(&l)
	return mat.DenseCopyOf(&l)
}

func relErr(want, got mat.Matrix) float64 {
	var d mat.Dense
	d.Sub(got, want)
	return mat.Norm(&d, 2) / mat.Norm(want, 2)
}

func TestFactorize_FourByFourInTwoByTwoBlocks(t *testing.T) {
	a := mat.NewSymDense(4, []float64{
		4, 2, 2, 1,
		2, 5, 1, 2,
		2, 1, 6, 3,
		1, 2, 3, 7,
	})
	s, _ := newCluster(t, nil)

	l, res, err := s.Factorize(ctxT(t), a, 2)
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Len(t, res.Statuses, 4)
	assert.Equal(t, 4, res.Counts()[fabric.StateCompleted])
	assert.Empty(t, res.FatalTask)

	assert.Less(t, relErr(reference(t, a), l), 1e-9)
	assert.Equal(t, 0.0, l.At(0, 3), "upper triangle must be zero")
}

func TestFactorize_MatchesDenseFactor(t *testing.T) {
	cases := []struct {
		kind      string
		n, blocks int
	}{
		{tile.GenSPD, 16, 4},
		{tile.GenSPD, 10, 3},
		{tile.GenHilbert, 9, 2},
		{tile.GenPascal, 5, 2},
		{tile.GenDiag, 5, 5},
		{tile.GenSPD, 3, 8},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			a, err := tile.Generate(tc.kind, tc.n, 11)
			require.NoError(t, err)
			s, _ := newCluster(t, nil)

			l, res, err := s.Factorize(ctxT(t), a, tc.blocks)
			require.NoError(t, err)
			assert.True(t, res.Succeeded())
			assert.Less(t, relErr(reference(t, a), l), 1e-9)

			maxAbs, rel, err := Residual(a, l)
			require.NoError(t, err)
			assert.Less(t, rel, 1e-9)
			assert.GreaterOrEqual(t, maxAbs, 0.0)
		})
	}
}

func TestRun_TaskCountsAndTrace(t *testing.T) {
	a, err := tile.Generate(tile.GenSPD, 12, 5)
	require.NoError(t, err)
	m, err := tile.Partition(a, 3)
	require.NoError(t, err)
	plan, err := dag.BuildCholesky(m)
	require.NoError(t, err)

	rec := trace.NewRecorder()
	s, l := newCluster(t, rec)
	res, err := s.Run(ctxT(t), plan)
	require.NoError(t, err)

	// p(p+1)(p+2)/6 with p = 4.
	assert.Equal(t, 20, plan.Graph.Len())
	assert.Equal(t, 20, res.Counts()[fabric.StateCompleted])
	for id, n := range res.Attempts {
		assert.Equal(t, 1, n, "task %s", id.Short())
	}

	tr := rec.Trace(plan.Graph.Hash().String())
	assert.Equal(t, 20, tr.Count(trace.EventTaskSubmitted))
	assert.Equal(t, 20, tr.Count(trace.EventTaskCompleted))
	assert.Zero(t, tr.Count(trace.EventTaskFailed))

	for _, ref := range plan.FactorRefs() {
		_, err := l.Fetch(ctxT(t), ref)
		assert.NoError(t, err, "factor tile %s must be published", ref)
	}
}

func TestRun_NotPositiveDefiniteCancelsDescendants(t *testing.T) {
	a := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		a.Set(i, i, 1)
	}
	a.Set(0, 0, -1)
	m, err := tile.Partition(a, 2)
	require.NoError(t, err)
	plan, err := dag.BuildCholesky(m)
	require.NoError(t, err)

	s, _ := newCluster(t, nil)
	res, err := s.Run(ctxT(t), plan)
	require.Error(t, err)
	require.NotNil(t, res)

	assert.ErrorIs(t, err, core.ErrNotPositiveDefinite)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.Factorize, res.Err.Kernel)
	assert.Equal(t, core.Ref(0, 0, 1), res.Err.Output)
	assert.Equal(t, res.FatalTask, res.Err.TaskID)
	assert.Equal(t, 1, res.Attempts[res.FatalTask], "not positive definite is never retried")

	counts := res.Counts()
	assert.Equal(t, 1, counts[fabric.StateFailed])
	assert.Equal(t, plan.Graph.Len()-1, counts[fabric.StateCancelled])
	assert.False(t, res.Succeeded())

	_, err = s.Gather(ctxT(t), plan)
	assert.ErrorIs(t, err, core.ErrDependencyMissing)
}

func TestRun_LaterDiagonalBlockFails(t *testing.T) {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	a.Set(3, 3, -2)
	m, err := tile.Partition(a, 2)
	require.NoError(t, err)
	plan, err := dag.BuildCholesky(m)
	require.NoError(t, err)

	s, _ := newCluster(t, nil)
	res, err := s.Run(ctxT(t), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotPositiveDefinite)
	assert.Equal(t, core.Ref(1, 1, 2), res.Err.Output)

	counts := res.Counts()
	assert.Equal(t, 3, counts[fabric.StateCompleted])
	assert.Equal(t, 1, counts[fabric.StateFailed])
	assert.Zero(t, counts[fabric.StateCancelled])
}

func TestResidual(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 2, 2, 5})
	l := mat.NewDense(2, 2, []float64{2, 0, 1, 2})
	maxAbs, rel, err := Residual(a, l)
	require.NoError(t, err)
	assert.Zero(t, maxAbs)
	assert.Zero(t, rel)

	l.Set(1, 1, 3)
	maxAbs, _, err = Residual(a, l)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, maxAbs, 1e-15)

	_, _, err = Residual(a, mat.NewDense(3, 3, nil))
	assert.ErrorIs(t, err, core.ErrDimension)
}

func TestNew_RequiresClientAndSeeder(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)
}
