package tile

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Generator kinds accepted by Generate.
const (
	GenHilbert = "hilbert"
	GenSPD     = "spd"
	GenPascal  = "pascal"
	GenDiag    = "diag"
)

var generators = map[string]func(n int, rng *rand.Rand) *mat.SymDense{
	GenHilbert: hilbert,
	GenSPD:     randomSPD,
	GenPascal:  pascal,
	GenDiag:    randomDiag,
}

// GeneratorKinds lists the accepted Generate kinds in sorted order.
func GeneratorKinds() []string {
	out := make([]string, 0, len(generators))
	for k := range generators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Generate returns a symmetric positive definite test matrix of order n.
// seed only affects the random kinds.
func Generate(kind string, n int, seed uint64) (*mat.SymDense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("matrix order must be > 0 (got %d)", n)
	}
	gen, ok := generators[kind]
	if !ok {
		return nil, fmt.Errorf("unknown generator %q (want one of %v)", kind, GeneratorKinds())
	}
	return gen(n, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))), nil
}

// hilbert is the Hilbert matrix shifted by the identity. The plain Hilbert
// matrix is SPD but too ill-conditioned to factor past small orders.
func hilbert(n int, _ *rand.Rand) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 1 / float64(i+j+1)
			if i == j {
				v++
			}
			s.SetSym(i, j, v)
		}
	}
	return s
}

func randomSPD(n int, rng *rand.Rand) *mat.SymDense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	s := mat.NewSymDense(n, nil)
	s.SymOuterK(1, m)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, s.At(i, i)+float64(n))
	}
	return s
}

// pascal is the symmetric Pascal matrix, P[i][j] = C(i+j, i).
func pascal(n int, _ *rand.Rand) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, 0, 1)
	}
	for i := 1; i < n; i++ {
		for j := 1; j <= i; j++ {
			s.SetSym(i, j, s.At(i-1, j)+s.At(i, j-1))
		}
	}
	return s
}

func randomDiag(n int, rng *rand.Rand) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, 0.5+1.5*rng.Float64())
	}
	return s
}
