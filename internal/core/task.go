package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Descriptor is the wire form of one unit of work.
//
// Inputs are ordered by meaning (the tile being rewritten always comes first);
// identity hashing sorts them separately, so the order here only matters to the
// kernel. Encoded as:
//
//	{"kernel": "SOLVE_TRIANGULAR", "inputs": [[1,0,0],[0,0,1]], "output": [1,0,1]}
type Descriptor struct {
	Kernel Kernel    `json:"kernel"`
	Inputs []TileRef `json:"inputs"`
	Output TileRef   `json:"output"`
}

// Validate checks the structural invariants every kernel relies on:
//   - the kernel is known and the input count matches its arity
//   - the output rewrites the first input's block at the next version
func (d Descriptor) Validate() error {
	if !d.Kernel.Valid() {
		return fmt.Errorf("invalid kernel %s", d.Kernel)
	}
	if len(d.Inputs) != d.Kernel.Arity() {
		return fmt.Errorf("%s expects %d inputs, got %d", d.Kernel, d.Kernel.Arity(), len(d.Inputs))
	}
	if d.Output != d.Inputs[0].Next() {
		return fmt.Errorf("%s output %s does not follow input %s", d.Kernel, d.Output, d.Inputs[0])
	}
	return nil
}

// ID returns the deterministic identity of the descriptor.
func (d Descriptor) ID() TaskID {
	return ComputeTaskID(d.Kernel, d.Inputs, d.Output)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s%v->%s", d.Kernel, d.Inputs, d.Output)
}

// Clone returns a descriptor that shares no slices with d.
func (d Descriptor) Clone() Descriptor {
	in := make([]TileRef, len(d.Inputs))
	copy(in, d.Inputs)
	return Descriptor{Kernel: d.Kernel, Inputs: in, Output: d.Output}
}

// Task is a node of the task graph as handed to the fabric.
//
// Deps lists the tasks that produce this task's inputs. The builder owns Task
// values until submission.
type Task struct {
	ID TaskID `json:"id"`
	Descriptor
	Deps []TaskID `json:"deps,omitempty"`
}

// NewTask builds a Task from a descriptor, computing its ID and canonicalizing deps.
func NewTask(d Descriptor, deps ...TaskID) Task {
	return Task{ID: d.ID(), Descriptor: d.Clone(), Deps: SortIDs(deps)}
}

// MarshalJSON keeps a stable field order: id, kernel, inputs, output, deps.
func (t Task) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID     TaskID    `json:"id"`
		Kernel Kernel    `json:"kernel"`
		Inputs []TileRef `json:"inputs"`
		Output TileRef   `json:"output"`
		Deps   []TaskID  `json:"deps,omitempty"`
	}
	return json.Marshal(wire{ID: t.ID, Kernel: t.Kernel, Inputs: t.Inputs, Output: t.Output, Deps: t.Deps})
}

// UnmarshalJSON decodes a task and rejects an id that does not match its descriptor.
func (t *Task) UnmarshalJSON(data []byte) error {
	type wire struct {
		ID     TaskID    `json:"id"`
		Kernel Kernel    `json:"kernel"`
		Inputs []TileRef `json:"inputs"`
		Output TileRef   `json:"output"`
		Deps   []TaskID  `json:"deps,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d := Descriptor{Kernel: w.Kernel, Inputs: w.Inputs, Output: w.Output}
	if w.ID != "" && w.ID != d.ID() {
		return fmt.Errorf("task id %s does not match descriptor %s", w.ID, d)
	}
	*t = Task{ID: d.ID(), Descriptor: d, Deps: SortIDs(w.Deps)}
	return nil
}

// SortIDs returns a sorted, de-duplicated copy of ids.
func SortIDs(ids []TaskID) []TaskID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]TaskID, 0, len(ids))
	seen := make(map[TaskID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
