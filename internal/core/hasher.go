package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// TaskID is the deterministic identity of a task.
//
// Includes: kernel, the sorted set of input TileRefs, the output TileRef.
// Excludes: build order, dependency ids, anything host specific.
//
// Two builds of the same matrix therefore produce identical ids, which is what
// lets retried or duplicated builds line up with results already cached.
type TaskID string

// ComputeTaskID hashes (kernel, sorted inputs, output).
//
// All components are length-prefixed to avoid ambiguity between adjacent fields.
func ComputeTaskID(kernel Kernel, inputs []TileRef, output TileRef) TaskID {
	hasher := sha256.New()

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		hasher.Write(length[:])
		hasher.Write(data)
	}
	writeRef := func(r TileRef) {
		var buf [24]byte
		binary.BigEndian.PutUint64(buf[0:8], uint64(r.Row))
		binary.BigEndian.PutUint64(buf[8:16], uint64(r.Col))
		binary.BigEndian.PutUint64(buf[16:24], uint64(r.Version))
		writeField(buf[:])
	}

	writeField([]byte(kernel.String()))

	sorted := SortRefs(inputs)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
	writeField(count[:])
	for _, in := range sorted {
		writeRef(in)
	}

	writeRef(output)

	sum := hasher.Sum(nil)
	return TaskID(hex.EncodeToString(sum))
}

// String returns the string representation of the TaskID.
func (t TaskID) String() string {
	return string(t)
}

// Short returns a 12 character prefix suitable for logs.
func (t TaskID) Short() string {
	if len(t) <= 12 {
		return string(t)
	}
	return string(t[:12])
}
