// Package dag defines the deterministic task graph of a tiled factorization.
//
// It is split into:
//   - Immutable graph definition (TaskGraph): tasks keyed by TaskID, the
//     dependency structure derived from each task's Deps, and a stable GraphHash
//   - Mutable execution state (ExecutionState): per-task lifecycle state driven
//     through the validated transitions in state_machine.go
//   - The Cholesky builder (BuildCholesky), which emits the task set for a
//     partitioned matrix
//
// The graph identity (GraphHash) is computed from task ids and canonicalized
// edge structure, making it invariant to insertion order.
package dag
