// Package tile provides the logical view of a square matrix as a grid of
// fixed-size blocks, plus the byte codec used for tiles in the cache and on
// the fabric's data plane.
package tile

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"tileflow/internal/core"
)

// Matrix is a square matrix of order n partitioned into blocks of size b.
//
// Invariants:
//   - Blocks() == ceil(n/b) in both directions
//   - only the lower triangle (row >= col) is materialized
//   - seeded tiles are at version 0 and never change
//
// Tiles on the last block row/column are ragged when b does not divide n.
type Matrix struct {
	n      int
	b      int
	blocks int
	seeds  map[core.TileRef][]byte
}

// NewMatrix returns the logical grid for an n x n matrix without any tile data.
func NewMatrix(n, blockSize int) (*Matrix, error) {
	if blockSize <= 0 {
		return nil, core.Dimensionf("block size must be > 0 (got %d)", blockSize)
	}
	if n <= 0 {
		return nil, core.Dimensionf("matrix order must be > 0 (got %d)", n)
	}
	return &Matrix{
		n:      n,
		b:      blockSize,
		blocks: (n + blockSize - 1) / blockSize,
		seeds:  map[core.TileRef][]byte{},
	}, nil
}

// Partition splits a into blocks of size blockSize and seeds the lower-triangle
// tiles at version 0.
//
// Non-square sources are rejected with a DimensionError. Only the lower
// triangle of a is read; diagonal tiles mirror it into their upper part.
func Partition(a mat.Matrix, blockSize int) (*Matrix, error) {
	if a == nil {
		return nil, core.Dimensionf("nil matrix")
	}
	r, c := a.Dims()
	if r != c {
		return nil, core.Dimensionf("matrix must be square (got %dx%d)", r, c)
	}
	m, err := NewMatrix(r, blockSize)
	if err != nil {
		return nil, err
	}

	for i := 0; i < m.blocks; i++ {
		for j := 0; j <= i; j++ {
			rows, cols := m.TileShape(i, j)
			block := mat.NewDense(rows, cols, nil)
			for bi := 0; bi < rows; bi++ {
				for bj := 0; bj < cols; bj++ {
					r, c := i*m.b+bi, j*m.b+bj
					if c > r {
						r, c = c, r
					}
					block.Set(bi, bj, a.At(r, c))
				}
			}
			data, err := Encode(block)
			if err != nil {
				return nil, fmt.Errorf("encoding tile (%d,%d): %w", i, j, err)
			}
			m.seeds[core.Ref(i, j, 0)] = data
		}
	}
	return m, nil
}

// N is the order of the source matrix.
func (m *Matrix) N() int { return m.n }

// BlockSize is the nominal tile edge.
func (m *Matrix) BlockSize() int { return m.b }

// Blocks is the number of block rows (and block columns).
func (m *Matrix) Blocks() int { return m.blocks }

// Rows and Cols are Blocks; the grid is always square.
func (m *Matrix) Rows() int { return m.blocks }
func (m *Matrix) Cols() int { return m.blocks }

// Lower reports whether only the lower triangle is materialized. Always true
// for matrices built by this package.
func (m *Matrix) Lower() bool { return true }

// TileShape returns the element dimensions of block (row, col).
func (m *Matrix) TileShape(row, col int) (rows, cols int) {
	return m.edge(row), m.edge(col)
}

func (m *Matrix) edge(i int) int {
	if rem := m.n - i*m.b; rem < m.b {
		return rem
	}
	return m.b
}

// TileAt returns the version 0 ref of block (row, col).
func (m *Matrix) TileAt(row, col int) (core.TileRef, error) {
	if row < 0 || col < 0 || row >= m.blocks || col >= m.blocks {
		return core.TileRef{}, core.Dimensionf("tile (%d,%d) outside %dx%d grid", row, col, m.blocks, m.blocks)
	}
	if col > row {
		return core.TileRef{}, core.Dimensionf("tile (%d,%d) is in the unmaterialized upper triangle", row, col)
	}
	return core.Ref(row, col, 0), nil
}

// Seeds returns a copy of the version 0 tile payloads keyed by ref.
// Empty for matrices created with NewMatrix.
func (m *Matrix) Seeds() map[core.TileRef][]byte {
	out := make(map[core.TileRef][]byte, len(m.seeds))
	for ref, data := range m.seeds {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[ref] = cp
	}
	return out
}

// Digest identifies the seeded contents of m. TileRefs only name positions,
// so persistent caches are keyed by this value to keep matrices apart.
func (m *Matrix) Digest() string {
	refs := make([]core.TileRef, 0, len(m.seeds))
	for ref := range m.seeds {
		refs = append(refs, ref)
	}
	refs = core.SortRefs(refs)

	h := xxhash.New()
	var buf [8]byte
	for _, v := range []int{m.n, m.b} {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	for _, ref := range refs {
		_, _ = h.WriteString(ref.Key())
		binary.BigEndian.PutUint64(buf[:], uint64(len(m.seeds[ref])))
		_, _ = h.Write(buf[:])
		_, _ = h.Write(m.seeds[ref])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
