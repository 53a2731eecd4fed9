package state

import (
	"errors"

	"tileflow/internal/core"
	"tileflow/internal/dag"
)

// FailureFromError classifies err into the run failure taxonomy:
//
//	graph      dimension errors and invalid task graphs
//	cache      a TileRef written twice with different bytes
//	execution  kernel failures, including not positive definite, and missing inputs
//	system     transport failures and anything unclassified
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	f := Failure{
		ErrorMessage: err.Error(),
		Retryable:    core.Retryable(err),
	}
	var te *core.TaskError
	if errors.As(err, &te) && te != nil {
		id := string(te.TaskID)
		if id != "" {
			f.TaskID = &id
		}
		if te.Kernel.Valid() {
			f.Kernel = te.Kernel.String()
			f.Tile = te.Output.Key()
		}
	}

	kind := core.KindOf(err)
	switch kind {
	case core.ErrDimension:
		f.FailureClass = FailureClassGraph
	case core.ErrCacheCorruption:
		f.FailureClass = FailureClassCache
	case core.ErrKernelCompute, core.ErrNotPositiveDefinite, core.ErrDependencyMissing:
		f.FailureClass = FailureClassExecution
	case core.ErrTransport:
		f.FailureClass = FailureClassSystem
	}
	if kind != nil {
		f.ErrorCode = core.KindName(kind)
		return f, nil
	}

	var ge *dag.GraphError
	if errors.As(err, &ge) {
		f.FailureClass = FailureClassGraph
		f.ErrorCode = "GraphError"
		return f, nil
	}

	f.FailureClass = FailureClassSystem
	f.ErrorCode = "UnknownError"
	return f, nil
}
