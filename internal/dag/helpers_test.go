package dag

import "tileflow/internal/core"

// node returns a distinct single-input task for label n, depending on deps.
// The descriptors do not form a valid tile dataflow; they only give each
// test node a stable, unique id.
func node(n int, deps ...core.TaskID) core.Task {
	d := core.Descriptor{
		Kernel: core.Factorize,
		Inputs: []core.TileRef{core.Ref(n, n, 0)},
		Output: core.Ref(n, n, 1),
	}
	return core.NewTask(d, deps...)
}

func idOf(n int) core.TaskID { return node(n).ID }
