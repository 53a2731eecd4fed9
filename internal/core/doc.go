// Package core provides the domain models shared by the graph builder, the
// fabric and the worker.
//
// # Design Principles
//
// All structures in this package adhere to the following constraints:
//
//  1. Values are immutable once created; a new tile version is a new TileRef.
//  2. Task identity is a pure function of the descriptor, never of build order.
//  3. Descriptors round-trip exactly through their JSON wire form so that
//     identities computed on the client and on a worker agree.
//
// # Core Types
//
// TileRef: a versioned identity (row, col, version) for one block of a matrix.
// Kernel: the closed set of numerical steps a task may run.
// Descriptor: the wire form of one task: kernel, ordered inputs, output.
// Task: a Descriptor plus its TaskID and the TaskIDs it depends on.
package core
