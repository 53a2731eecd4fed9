package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tileflow/internal/dag"
	"tileflow/internal/tile"
)

func planFor(t *testing.T, n, b int) *dag.Plan {
	t.Helper()
	m, err := tile.NewMatrix(n, b)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	p, err := dag.BuildCholesky(m)
	if err != nil {
		t.Fatalf("BuildCholesky: %v", err)
	}
	return p
}

func TestMarshalDOT_MatchesGolden(t *testing.T) {
	want, err := os.ReadFile(filepath.Join("testdata", "cholesky_2x2.dot"))
	if err != nil {
		t.Fatalf("read golden: %v", err)
	}
	got, err := MarshalDOT(planFor(t, 4, 2).Graph)
	if err != nil {
		t.Fatalf("MarshalDOT: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("dot output differs from golden\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestWriteDotFile_StylesEveryNode(t *testing.T) {
	plan := planFor(t, 9, 3)
	path := filepath.Join(t.TempDir(), "graphs", "g.dot")
	if err := WriteDotFile(path, plan); err != nil {
		t.Fatalf("WriteDotFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dot: %v", err)
	}
	out := string(b)
	if got := strings.Count(out, "shape=circle"); got != plan.Graph.Len() {
		t.Fatalf("expected %d task nodes, got %d", plan.Graph.Len(), got)
	}
	if strings.Count(out, "shape=circle") != strings.Count(out, "color=red") {
		t.Fatalf("every task node must be red")
	}
	if strings.Count(out, "shape=square") != strings.Count(out, "color=green") {
		t.Fatalf("every tile node must be green")
	}
	// Each task has one edge per input plus one to its output.
	edges := 0
	for _, task := range plan.Graph.Tasks() {
		edges += len(task.Inputs) + 1
	}
	if got := strings.Count(out, " -> "); got != edges {
		t.Fatalf("expected %d edges, got %d", edges, got)
	}
}
