// Package kernel holds the fixed table of tile routines a worker may run.
//
// Every routine takes decoded input tiles in descriptor order and returns a
// fresh output tile. Inputs are never modified.
package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"

	"tileflow/internal/core"
	"tileflow/internal/tile"
)

// Func computes one output tile from its inputs.
type Func func(inputs []*mat.Dense) (*mat.Dense, error)

// Table maps a kernel kind to its routine.
type Table map[core.Kernel]Func

// Default returns the Cholesky kernel table.
func Default() Table {
	return Table{
		core.Factorize:       factorize,
		core.SolveTriangular: solveTriangular,
		core.UpdateSymmetric: updateSymmetric,
		core.UpdateGeneral:   updateGeneral,
	}
}

// Compute runs kind on already decoded tiles.
func (t Table) Compute(kind core.Kernel, inputs []*mat.Dense) (*mat.Dense, error) {
	fn, ok := t[kind]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: no routine for kernel %s", core.ErrKernelCompute, kind)
	}
	if len(inputs) != kind.Arity() {
		return nil, fmt.Errorf("%w: %s takes %d inputs, got %d", core.ErrKernelCompute, kind, kind.Arity(), len(inputs))
	}
	out, err := fn(inputs)
	if err != nil {
		return nil, err
	}
	if !finite(out) {
		return nil, fmt.Errorf("%w: %s produced a non-finite value", core.ErrKernelCompute, kind)
	}
	return out, nil
}

// Run decodes inputs, computes kind and encodes the result.
func (t Table) Run(kind core.Kernel, inputs [][]byte) ([]byte, error) {
	tiles := make([]*mat.Dense, len(inputs))
	for i, b := range inputs {
		d, err := tile.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", core.ErrKernelCompute, i, err)
		}
		tiles[i] = d
	}
	out, err := t.Compute(kind, tiles)
	if err != nil {
		return nil, err
	}
	return tile.Encode(out)
}

// factorize computes the lower Cholesky factor of a diagonal tile.
// The strict upper triangle of the result is zero.
func factorize(in []*mat.Dense) (*mat.Dense, error) {
	a := in[0]
	r, c := a.Dims()
	if r != c {
		return nil, shapeErr("diagonal tile is %dx%d", r, c)
	}
	s := blas64.Symmetric{Uplo: blas.Lower, N: r, Stride: r, Data: rowMajor(a)}
	l, ok := lapack64.Potrf(s)
	if !ok {
		return nil, &core.NotPositiveDefiniteError{}
	}
	out := mat.NewDense(r, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j <= i; j++ {
			out.Set(i, j, l.Data[i*l.Stride+j])
		}
	}
	return out, nil
}

// solveTriangular returns X with X * Lᵀ = A for inputs [A, L].
func solveTriangular(in []*mat.Dense) (*mat.Dense, error) {
	a, l := in[0], in[1]
	ar, ac := a.Dims()
	lr, lc := l.Dims()
	if lr != lc || ac != lr {
		return nil, shapeErr("cannot solve %dx%d against %dx%d factor", ar, ac, lr, lc)
	}
	x := general(a)
	tri := blas64.Triangular{Uplo: blas.Lower, Diag: blas.NonUnit, N: lr, Stride: lr, Data: rowMajor(l)}
	blas64.Trsm(blas.Right, blas.Trans, 1, tri, x)
	return mat.NewDense(ar, ac, x.Data), nil
}

// updateSymmetric returns A - L*Lᵀ for inputs [A, L], symmetric in full.
func updateSymmetric(in []*mat.Dense) (*mat.Dense, error) {
	a, l := in[0], in[1]
	ar, ac := a.Dims()
	lr, _ := l.Dims()
	if ar != ac || lr != ar {
		return nil, shapeErr("cannot update %dx%d with %d-row panel", ar, ac, lr)
	}
	c := blas64.Symmetric{Uplo: blas.Lower, N: ar, Stride: ar, Data: rowMajor(a)}
	blas64.Syrk(blas.NoTrans, -1, general(l), 1, c)
	out := mat.NewDense(ar, ar, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j <= i; j++ {
			v := c.Data[i*c.Stride+j]
			out.Set(i, j, v)
			out.Set(j, i, v)
		}
	}
	return out, nil
}

// updateGeneral returns A - L1*L2ᵀ for inputs [A, L1, L2].
func updateGeneral(in []*mat.Dense) (*mat.Dense, error) {
	a, l1, l2 := in[0], in[1], in[2]
	ar, ac := a.Dims()
	r1, c1 := l1.Dims()
	r2, c2 := l2.Dims()
	if r1 != ar || r2 != ac || c1 != c2 {
		return nil, shapeErr("cannot update %dx%d with %dx%d * (%dx%d)ᵀ", ar, ac, r1, c1, r2, c2)
	}
	c := general(a)
	blas64.Gemm(blas.NoTrans, blas.Trans, -1, general(l1), general(l2), 1, c)
	return mat.NewDense(ar, ac, c.Data), nil
}

func shapeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrKernelCompute, fmt.Sprintf(format, args...))
}

// rowMajor copies m into a compact row-major slice.
func rowMajor(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

// general returns a compact copy of m as a blas64.General.
func general(m *mat.Dense) blas64.General {
	r, c := m.Dims()
	return blas64.General{Rows: r, Cols: c, Stride: c, Data: rowMajor(m)}
}

func finite(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
