package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"tileflow/internal/core"
	"tileflow/internal/dag"
)

// graphFile is the on-disk form written by -emit-graph.
type graphFile struct {
	GraphHash string      `json:"graphHash"`
	N         int         `json:"n"`
	BlockSize int         `json:"blockSize"`
	Tasks     []core.Task `json:"tasks"`
}

// WriteGraphFile writes plan's tasks in canonical order.
func WriteGraphFile(path string, plan *dag.Plan) error {
	gf := graphFile{
		GraphHash: plan.Graph.Hash().String(),
		N:         plan.Matrix.N(),
		BlockSize: plan.Matrix.BlockSize(),
		Tasks:     plan.Graph.Tasks(),
	}
	b, err := json.MarshalIndent(gf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return writeFileAtomic(path, append(b, '\n'), 0o644)
}

// LoadGraphFromFile reads a graph written by WriteGraphFile.
//
// Unknown fields and trailing data are rejected. When the file carries a
// graph hash, the rebuilt graph must reproduce it.
func LoadGraphFromFile(path string) (*dag.TaskGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var gf graphFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&gf); err != nil {
		return nil, fmt.Errorf("parse graph json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse graph json: trailing data")
		}
		return nil, fmt.Errorf("parse graph json: %w", err)
	}
	if len(gf.Tasks) == 0 {
		return nil, fmt.Errorf("parse graph json: no tasks")
	}
	g, err := dag.NewTaskGraph(gf.Tasks)
	if err != nil {
		return nil, err
	}
	if err := g.Verify(); err != nil {
		return nil, err
	}
	if gf.GraphHash != "" && g.Hash().String() != gf.GraphHash {
		return nil, fmt.Errorf("graph hash mismatch: file says %s, tasks hash to %s", gf.GraphHash, g.Hash())
	}
	return g, nil
}

// dotNode is a tile or a task in the Graphviz rendering.
type dotNode struct {
	id    int64
	name  string
	attrs []encoding.Attribute
}

func (n dotNode) ID() int64                        { return n.id }
func (n dotNode) DOTID() string                    { return n.name }
func (n dotNode) Attributes() []encoding.Attribute { return n.attrs }

func tileDOTID(r core.TileRef) string {
	return fmt.Sprintf("r%d_c%d_v%d", r.Row, r.Col, r.Version)
}

// MarshalDOT renders g as a bipartite Graphviz digraph: tiles are green
// squares, tasks are red circles, and edges run from input tiles to a task
// and from the task to its output tile. Node order follows the tile refs, so
// the same graph always renders to the same bytes.
func MarshalDOT(g *dag.TaskGraph) ([]byte, error) {
	tasks := g.Tasks()
	var refs []core.TileRef
	seen := map[core.TileRef]bool{}
	for _, t := range tasks {
		for _, r := range append(append([]core.TileRef(nil), t.Inputs...), t.Output) {
			if !seen[r] {
				seen[r] = true
				refs = append(refs, r)
			}
		}
	}
	refs = core.SortRefs(refs)

	dg := simple.NewDirectedGraph()
	tiles := make(map[core.TileRef]dotNode, len(refs))
	for i, r := range refs {
		n := dotNode{id: int64(i), name: tileDOTID(r), attrs: []encoding.Attribute{
			{Key: "label", Value: r.String()},
			{Key: "shape", Value: "square"},
			{Key: "color", Value: "green"},
		}}
		tiles[r] = n
		dg.AddNode(n)
	}

	byOutput := make([]core.Task, len(tasks))
	copy(byOutput, tasks)
	sort.Slice(byOutput, func(i, j int) bool { return byOutput[i].Output.Less(byOutput[j].Output) })
	for i, t := range byOutput {
		n := dotNode{id: int64(len(refs) + i), name: t.Kernel.String() + "_" + tileDOTID(t.Output), attrs: []encoding.Attribute{
			{Key: "label", Value: t.Kernel.String()},
			{Key: "shape", Value: "circle"},
			{Key: "color", Value: "red"},
		}}
		dg.AddNode(n)
		for _, in := range t.Inputs {
			dg.SetEdge(dg.NewEdge(tiles[in], n))
		}
		dg.SetEdge(dg.NewEdge(n, tiles[t.Output]))
	}

	b, err := dot.Marshal(dg, "tileflow", "", "\t")
	if err != nil {
		return nil, fmt.Errorf("encode dot: %w", err)
	}
	return append(b, '\n'), nil
}

// WriteDotFile writes plan's task graph in Graphviz DOT form.
func WriteDotFile(path string, plan *dag.Plan) error {
	b, err := MarshalDOT(plan.Graph)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o644)
}
