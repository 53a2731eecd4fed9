package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"tileflow/internal/tile"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// DefaultTolerance bounds the relative Frobenius residual of a successful run.
const DefaultTolerance = 1e-9

// CLIInvocation is the canonical description of one factorization run.
//
// StateDir is required and absolute. Relative paths are resolved under it, so
// nothing depends on the process working directory.
type CLIInvocation struct {
	N         int
	BlockSize int // 0 keeps the configured block size
	Generator string
	Seed      uint64

	ConfigPath string
	StateDir   string
	CacheDir   string // empty keeps the configured directory
	Workers    int    // 0 keeps the configured concurrency
	EmitGraph  string
	EmitDot    string
	GraphPath  string // previously emitted graph to run instead of a fresh build
	TracePath  string
	Tolerance  float64
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical CLIInvocation.
// It does not read environment variables.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("tileflow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var inv CLIInvocation
	var configPath, cacheDir, emitGraph, emitDot, graphPath, tracePath string
	fs.IntVar(&inv.N, "n", 0, "Matrix order. Required.")
	fs.IntVar(&inv.BlockSize, "block", 0, "Tile size (defaults to the configured blockSize).")
	fs.StringVar(&inv.Generator, "gen", tile.GenSPD, "Matrix generator: "+strings.Join(tile.GeneratorKinds(), "|"))
	fs.Uint64Var(&inv.Seed, "seed", 1, "Generator seed.")
	fs.StringVar(&configPath, "config", "", "YAML config file (optional).")
	fs.StringVar(&inv.StateDir, "state-dir", "", "Absolute directory for run records. Required.")
	fs.StringVar(&cacheDir, "cache-dir", "", "Result cache directory (overrides config).")
	fs.IntVar(&inv.Workers, "workers", 0, "Worker pool size (overrides config).")
	fs.StringVar(&emitGraph, "emit-graph", "", "Write the task graph as JSON to this path (optional).")
	fs.StringVar(&emitDot, "emit-dot", "", "Write the task graph in Graphviz DOT form to this path (optional).")
	fs.StringVar(&graphPath, "graph", "", "Run a graph written by -emit-graph; it must match -n and -block (optional).")
	fs.StringVar(&tracePath, "trace", "", "Trace output path (optional).")
	fs.Float64Var(&inv.Tolerance, "tolerance", DefaultTolerance, "Maximum relative residual ||LLᵀ-A||/||A||.")

	if err := fs.Parse(args); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	if inv.N <= 0 {
		return CLIInvocation{}, invalidInvocationf("-n must be positive")
	}
	if inv.BlockSize < 0 {
		return CLIInvocation{}, invalidInvocationf("-block must not be negative")
	}
	if inv.Workers < 0 {
		return CLIInvocation{}, invalidInvocationf("-workers must not be negative")
	}
	if !slices.Contains(tile.GeneratorKinds(), inv.Generator) {
		return CLIInvocation{}, invalidInvocationf("invalid -gen %q (expected %s)", inv.Generator, strings.Join(tile.GeneratorKinds(), "|"))
	}
	if inv.Tolerance < 0 || math.IsNaN(inv.Tolerance) {
		return CLIInvocation{}, invalidInvocationf("-tolerance must be a non-negative number")
	}

	if strings.TrimSpace(inv.StateDir) == "" {
		return CLIInvocation{}, invalidInvocationf("-state-dir is required")
	}
	inv.StateDir = filepath.Clean(inv.StateDir)
	if !filepath.IsAbs(inv.StateDir) {
		return CLIInvocation{}, invalidInvocationf("-state-dir must be an absolute path (got %q)", inv.StateDir)
	}

	var err error
	for _, p := range []struct {
		raw string
		dst *string
	}{
		{configPath, &inv.ConfigPath},
		{cacheDir, &inv.CacheDir},
		{emitGraph, &inv.EmitGraph},
		{emitDot, &inv.EmitDot},
		{graphPath, &inv.GraphPath},
		{tracePath, &inv.TracePath},
	} {
		if strings.TrimSpace(p.raw) == "" {
			continue
		}
		if *p.dst, err = resolveUnderStateDir(inv.StateDir, p.raw); err != nil {
			return CLIInvocation{}, err
		}
	}
	return inv, nil
}

func resolveUnderStateDir(stateDir, p string) (string, error) {
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(stateDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
