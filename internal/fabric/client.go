// Package fabric defines the contract between the graph client and the
// execution fabric, plus Local, an in-process fabric backed by a bounded
// worker pool.
package fabric

import (
	"context"
	"fmt"

	"tileflow/internal/core"
)

// State is the externally visible state of a submitted task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskHandle is returned by Submit and passed back to Wait.
type TaskHandle struct {
	ID core.TaskID
}

// Status describes one task.
type Status struct {
	State State
	// Kind is the taxonomy sentinel of a failure (core.ErrKernelCompute, ...).
	Kind error
	// Err is the final *core.TaskError of a failed task.
	Err error
	// Cause is the upstream task whose failure cancelled this one.
	Cause core.TaskID
	// Attempts counts how many times the task was started.
	Attempts int
	// Seq orders terminal transitions across the fabric, starting at 1.
	// Zero while the task is not terminal.
	Seq int
}

func (s Status) String() string {
	switch s.State {
	case StateFailed:
		return fmt.Sprintf("%s after %d attempt(s): %v", s.State, s.Attempts, s.Err)
	case StateCancelled:
		if s.Cause != "" {
			return fmt.Sprintf("%s (upstream %s)", s.State, s.Cause.Short())
		}
	}
	return string(s.State)
}

// Client is what the graph client needs from a fabric.
//
// Submit is fire-and-forget: it returns once tasks are accepted, never after
// they run. A task is never started before every producer of its inputs has
// completed.
type Client interface {
	Submit(ctx context.Context, tasks []core.Task) ([]TaskHandle, error)
	// Wait blocks until every handle is terminal or ctx is done.
	Wait(ctx context.Context, handles []TaskHandle) (map[core.TaskID]Status, error)
	// Fetch returns the bytes most recently published for ref.
	// A ref that was never published fails with core.ErrDependencyMissing.
	Fetch(ctx context.Context, ref core.TileRef) ([]byte, error)
	Status(ctx context.Context, id core.TaskID) (Status, error)
}

// Runner executes one task descriptor on the worker side. A nil return means
// the output tile has been published.
type Runner interface {
	Execute(ctx context.Context, d core.Descriptor) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, d core.Descriptor) error

func (f RunnerFunc) Execute(ctx context.Context, d core.Descriptor) error { return f(ctx, d) }
