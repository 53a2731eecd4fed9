package tile

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tileflow/internal/core"
)

// Encode serializes a tile using gonum's binary matrix format.
func Encode(m *mat.Dense) ([]byte, error) {
	if m == nil || m.IsEmpty() {
		return nil, errors.New("empty tile")
	}
	return m.MarshalBinary()
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*mat.Dense, error) {
	if len(data) == 0 {
		return nil, errors.New("empty tile payload")
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding tile: %w", err)
	}
	return &m, nil
}

// Assemble rebuilds the n x n matrix from tiles keyed by block coordinates.
//
// When lower is set, missing upper-triangle tiles are zero. Any other missing
// tile, or a tile whose shape does not match the grid, is an error.
func Assemble(n, blockSize int, tiles map[[2]int]*mat.Dense, lower bool) (*mat.Dense, error) {
	grid, err := NewMatrix(n, blockSize)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(n, n, nil)
	for i := 0; i < grid.Blocks(); i++ {
		for j := 0; j < grid.Blocks(); j++ {
			t, ok := tiles[[2]int{i, j}]
			if !ok {
				if lower && j > i {
					continue
				}
				return nil, fmt.Errorf("tile (%d,%d) missing", i, j)
			}
			rows, cols := grid.TileShape(i, j)
			if r, c := t.Dims(); r != rows || c != cols {
				return nil, core.Dimensionf("tile (%d,%d) is %dx%d, grid expects %dx%d", i, j, r, c, rows, cols)
			}
			r0, c0 := i*blockSize, j*blockSize
			view := out.Slice(r0, r0+rows, c0, c0+cols).(*mat.Dense)
			view.Copy(t)
		}
	}
	return out, nil
}
