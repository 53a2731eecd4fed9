package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDimension: malformed matrix input. Fatal at build time.
	ErrDimension = errors.New("dimension error")
	// ErrDependencyMissing: an input tile could not be resolved from cache or fabric.
	ErrDependencyMissing = errors.New("dependency missing")
	// ErrKernelCompute: numerical failure inside a kernel.
	ErrKernelCompute = errors.New("kernel compute error")
	// ErrNotPositiveDefinite: a diagonal block is not positive definite.
	// Always reported together with ErrKernelCompute.
	ErrNotPositiveDefinite = errors.New("not positive definite")
	// ErrCacheCorruption: a TileRef was written with bytes that differ from the stored entry.
	ErrCacheCorruption = errors.New("cache corruption")
	// ErrTransport: a fabric call failed.
	ErrTransport = errors.New("transport error")
)

// DimensionError wraps structural problems with a matrix or its tiling.
type DimensionError struct {
	Msg string
}

func (e *DimensionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return ErrDimension.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDimension.Error(), e.Msg)
}

func (e *DimensionError) Unwrap() error { return ErrDimension }

// Dimensionf builds a DimensionError.
func Dimensionf(format string, args ...any) error {
	return &DimensionError{Msg: fmt.Sprintf(format, args...)}
}

// NotPositiveDefiniteError is the Cholesky-specific kernel failure.
type NotPositiveDefiniteError struct {
	// Order is the 1-based leading minor that failed, or 0 if unknown.
	Order int
}

func (e *NotPositiveDefiniteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Order > 0 {
		return fmt.Sprintf("%s: leading minor of order %d", ErrNotPositiveDefinite.Error(), e.Order)
	}
	return ErrNotPositiveDefinite.Error()
}

func (e *NotPositiveDefiniteError) Unwrap() []error {
	return []error{ErrNotPositiveDefinite, ErrKernelCompute}
}

// TaskError is a classified failure of one task attempt.
//
// It carries the identity needed to reproduce the failing subproblem in
// isolation: the task id, its kernel and the tile it was producing.
type TaskError struct {
	Kind   error
	TaskID TaskID
	Kernel Kernel
	Output TileRef
	Msg    string
	Cause  error
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	kind := "task error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.Kernel.Valid() {
		return fmt.Sprintf("%s: %s %s (task %s): %s", kind, e.Kernel, e.Output, e.TaskID.Short(), msg)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}

func (e *TaskError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// NewTaskError classifies cause under kind for the task described by d.
func NewTaskError(kind error, d Descriptor, cause error) *TaskError {
	return &TaskError{Kind: kind, TaskID: d.ID(), Kernel: d.Kernel, Output: d.Output, Cause: cause}
}

// KindOf returns the taxonomy sentinel err belongs to, or nil.
//
// NotPositiveDefinite is checked before KernelCompute since it implies both.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrNotPositiveDefinite,
		ErrCacheCorruption,
		ErrDimension,
		ErrDependencyMissing,
		ErrTransport,
		ErrKernelCompute,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether running the same task again could succeed.
//
// NotPositiveDefinite, CacheCorruption and Dimension are properties of the
// input or of the graph and never change on retry. Unclassified errors are not
// retried either.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrDependencyMissing, ErrTransport, ErrKernelCompute:
		return true
	default:
		return false
	}
}

// KindName is a stable short code for a taxonomy sentinel, used in metrics and records.
func KindName(kind error) string {
	switch kind {
	case ErrDimension:
		return "DimensionError"
	case ErrDependencyMissing:
		return "DependencyMissing"
	case ErrKernelCompute:
		return "KernelComputeError"
	case ErrNotPositiveDefinite:
		return "NotPositiveDefiniteError"
	case ErrCacheCorruption:
		return "CacheCorruption"
	case ErrTransport:
		return "TransportError"
	case nil:
		return ""
	default:
		return "Unknown"
	}
}
