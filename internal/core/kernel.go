package core

import (
	"encoding/json"
	"fmt"
)

// Kernel is the closed set of numerical steps a task can run.
//
// The zero value is invalid so that a missing field never decodes into a real
// kernel.
type Kernel int

const (
	KernelInvalid Kernel = iota
	Factorize
	SolveTriangular
	UpdateSymmetric
	UpdateGeneral
)

var kernelNames = map[Kernel]string{
	Factorize:       "FACTORIZE",
	SolveTriangular: "SOLVE_TRIANGULAR",
	UpdateSymmetric: "UPDATE_SYMMETRIC",
	UpdateGeneral:   "UPDATE_GENERAL",
}

// Kernels lists every valid kernel in declaration order.
func Kernels() []Kernel {
	return []Kernel{Factorize, SolveTriangular, UpdateSymmetric, UpdateGeneral}
}

func (k Kernel) String() string {
	if name, ok := kernelNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// Valid reports whether k is one of the declared kernels.
func (k Kernel) Valid() bool {
	_, ok := kernelNames[k]
	return ok
}

// Arity is the number of input tiles the kernel consumes.
func (k Kernel) Arity() int {
	switch k {
	case Factorize:
		return 1
	case SolveTriangular, UpdateSymmetric:
		return 2
	case UpdateGeneral:
		return 3
	default:
		return 0
	}
}

// ParseKernel maps an enum name back to its Kernel.
func ParseKernel(name string) (Kernel, error) {
	for k, n := range kernelNames {
		if n == name {
			return k, nil
		}
	}
	return KernelInvalid, fmt.Errorf("unknown kernel %q", name)
}

func (k Kernel) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot encode %s", k)
	}
	return json.Marshal(k.String())
}

func (k *Kernel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	parsed, err := ParseKernel(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
