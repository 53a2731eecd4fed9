package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"tileflow/internal/cache"
	"tileflow/internal/config"
	"tileflow/internal/core"
	"tileflow/internal/dag"
	"tileflow/internal/fabric"
	"tileflow/internal/logger"
	"tileflow/internal/metrics"
	"tileflow/internal/recovery/state"
	"tileflow/internal/session"
	"tileflow/internal/tile"
	"tileflow/internal/trace"
	"tileflow/internal/worker"
)

// ErrResidual reports a factor whose residual exceeds the tolerance.
var ErrResidual = errors.New("residual above tolerance")

// RunnerMiddleware wraps the worker before it is handed to the fabric.
type RunnerMiddleware func(next fabric.Runner) fabric.Runner

type CLIResult struct {
	ExitCode int
	RunID    string
	// PreviousRunID is the last successful run of the same graph and matrix.
	PreviousRunID string
	Result        *session.Result
	Residual      float64
	MaxAbs        float64
}

// Execute is the default entrypoint for running a canonical invocation.
func Execute(ctx context.Context, inv CLIInvocation) (CLIResult, error) {
	return ExecuteWithRunner(ctx, inv, nil)
}

// ExecuteWithRunner runs inv, passing the worker through wrap first.
//
// Exit codes:
//   - ExitConfigError when the configuration, cache or state directory is unusable
//   - ExitGraphFailure when a task fails or the residual is above tolerance
//   - ExitInternalError on fabric errors and panics
func ExecuteWithRunner(ctx context.Context, inv CLIInvocation, wrap RunnerMiddleware) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError

	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	applyOverrides(&cfg, inv)
	if err := cfg.Validate(); err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	log, _ := logger.InitLoggerWithLevel(cfg.LogLevel)
	defer logger.SyncLogger()

	st, err := state.NewStore(inv.StateDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	rec := &state.Recorder{Store: st}

	a, err := tile.Generate(inv.Generator, inv.N, inv.Seed)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, err
	}
	m, err := tile.Partition(a, cfg.BlockSize)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, err
	}
	plan, err := dag.BuildCholesky(m)
	if err != nil {
		res.ExitCode = ExitInternalError
		return res, err
	}
	graphHash := plan.Graph.Hash().String()
	if inv.GraphPath != "" {
		g, err := LoadGraphFromFile(inv.GraphPath)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("loading graph: %w", err)
		}
		if g.Hash().String() != graphHash {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("graph %s does not match order %d in blocks of %d (expected %s)", g.Hash(), inv.N, cfg.BlockSize, graphHash)
		}
		plan.Graph = g
	}
	log = log.With("graph", graphHash)

	if prev, out, ok, err := rec.LastSucceeded(graphHash, m.Digest()); err != nil {
		log.Warnw("reading previous runs", "error", err)
	} else if ok {
		res.PreviousRunID = prev.RunID
		log.Infow("previous successful run", "previousRun", prev.RunID, "completed", out.Completed, "retries", out.Retries)
	}

	mode := state.ModeClient
	if cfg.Runtime.WorkerMode {
		mode = state.ModeWorker
	}
	run, err := rec.StartRun(state.Run{
		GraphHash:     graphHash,
		MatrixDigest:  m.Digest(),
		Mode:          mode,
		DeploymentTag: cfg.Runtime.DeploymentTag,
	})
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("recording run: %w", err)
	}
	res.RunID = run.RunID
	log = log.With("run", run.RunID)
	log.Infow("starting factorization", "n", inv.N, "blockSize", cfg.BlockSize, "blocks", m.Blocks(),
		"tasks", plan.Graph.Len(), "generator", inv.Generator, "mode", mode, "deploymentTag", cfg.Runtime.DeploymentTag)

	fail := func(code int, err error) (CLIResult, error) {
		res.ExitCode = code
		if _, rerr := rec.RecordFailure(run.RunID, err); rerr != nil {
			log.Warnw("recording failure", "error", rerr)
		}
		if ferr := rec.FinishRun(run.RunID, state.RunStatusFailed, outcomeOf(res.Result, nil, nil)); ferr != nil {
			log.Warnw("finishing run", "error", ferr)
		}
		return res, err
	}

	defer func() {
		if r := recover(); r != nil {
			res, execErr = fail(ExitInternalError, fmt.Errorf("panic: %v", r))
		}
	}()

	// The trace file is written even when the run fails or panics.
	recorder := trace.NewRecorder()
	if inv.TracePath != "" {
		defer func() {
			if err := writeTrace(inv.TracePath, recorder.Trace(graphHash)); err != nil {
				log.Warnw("writing trace", "error", err)
			}
		}()
	}

	if inv.EmitGraph != "" {
		if err := WriteGraphFile(inv.EmitGraph, plan); err != nil {
			return fail(ExitConfigError, fmt.Errorf("emitting graph: %w", err))
		}
		log.Infow("wrote task graph", "path", inv.EmitGraph)
	}
	if inv.EmitDot != "" {
		if err := WriteDotFile(inv.EmitDot, plan); err != nil {
			return fail(ExitConfigError, fmt.Errorf("emitting dot graph: %w", err))
		}
		log.Infow("wrote dot graph", "path", inv.EmitDot)
	}

	// Deferred ahead of the fabric so the snapshot is taken after Close cancels leftovers.
	registry := prometheus.NewRegistry()
	defer func() {
		if err := prometheus.WriteToTextfile(st.MetricsPath(run.RunID), registry); err != nil {
			log.Warnw("writing metrics", "error", err)
		}
	}()
	emitter := metrics.InitMetricsAndEmitter(registry)
	rc, err := openCache(cfg.Cache, m.Digest(), emitter)
	if err != nil {
		return fail(ExitConfigError, err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Warnw("closing cache", "error", err)
		}
	}()

	w := worker.New(rc, nil)
	w.FetchAttempts = cfg.Worker.FetchAttempts
	w.Logger = log
	var runner fabric.Runner = w
	if wrap != nil {
		runner = wrap(runner)
	}

	opts := cfg.FabricOptions()
	opts.Trace = recorder
	opts.Metrics = emitter
	opts.Logger = log
	local, err := fabric.NewLocal(runner, opts)
	if err != nil {
		return fail(ExitInternalError, err)
	}
	w.Data = local
	defer func() { _ = local.Close() }()

	sess, err := session.New(local, local, session.Options{Logger: log})
	if err != nil {
		return fail(ExitInternalError, err)
	}
	result, err := sess.Run(ctx, plan)
	res.Result = result
	if err != nil {
		var te *core.TaskError
		if result != nil && errors.As(err, &te) {
			log.Errorw("factorization failed", "task", te.TaskID.Short(), "kernel", te.Kernel.String(),
				"tile", te.Output.String(), "kind", core.KindName(core.KindOf(te)), "error", te)
			return fail(ExitGraphFailure, err)
		}
		return fail(ExitInternalError, err)
	}

	l, err := sess.Gather(ctx, plan)
	if err != nil {
		return fail(ExitInternalError, err)
	}
	res.MaxAbs, res.Residual, err = session.Residual(a, l)
	if err != nil {
		return fail(ExitInternalError, err)
	}
	log.Infow("factorization complete", "maxAbsResidual", res.MaxAbs, "relativeResidual", res.Residual)
	if res.Residual > inv.Tolerance {
		err := fmt.Errorf("%w: %w: %.3g > %.3g", core.ErrKernelCompute, ErrResidual, res.Residual, inv.Tolerance)
		return fail(ExitGraphFailure, err)
	}

	if cfg.Cache.MaxBytes > 0 {
		if n, err := rc.EvictOldest(cfg.Cache.MaxBytes); err != nil {
			log.Warnw("evicting cache entries", "error", err)
		} else if n > 0 {
			log.Infow("evicted cache entries", "entries", n)
		}
	}

	factor := make([]string, 0, len(plan.Factor))
	for _, ref := range plan.FactorRefs() {
		factor = append(factor, ref.Key())
	}
	if err := rec.FinishRun(run.RunID, state.RunStatusSucceeded, outcomeOf(result, factor, &res)); err != nil {
		log.Warnw("finishing run", "error", err)
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

func applyOverrides(cfg *config.Config, inv CLIInvocation) {
	if inv.BlockSize > 0 {
		cfg.BlockSize = inv.BlockSize
	}
	if inv.Workers > 0 {
		cfg.Fabric.Concurrency = inv.Workers
	}
	if inv.CacheDir != "" {
		cfg.Cache.Dir = inv.CacheDir
	}
	if cfg.Cache.Dir != "" && !filepath.IsAbs(cfg.Cache.Dir) {
		cfg.Cache.Dir = filepath.Join(inv.StateDir, cfg.Cache.Dir)
	}
}

// openCache opens the configured backend. Persistent backends get one
// namespace per matrix digest.
func openCache(cc config.CacheConfig, digest string, emitter *metrics.MetricsEmitter) (*cache.ResultCache, error) {
	var store cache.Store
	var err error
	switch cc.Backend {
	case config.BackendMemory:
		store = cache.NewMemoryStore()
	case config.BackendFile:
		store, err = cache.NewFileStore(filepath.Join(cc.Dir, digest))
	case config.BackendPebble:
		store, err = cache.OpenPebbleStore(filepath.Join(cc.Dir, digest))
	default:
		err = fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	rc, err := cache.New(store, cache.Options{MemoryEntries: cc.MemoryEntries, Metrics: emitter})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return rc, nil
}

func outcomeOf(r *session.Result, factor []string, res *CLIResult) state.Outcome {
	o := state.Outcome{FactorTiles: factor}
	if r != nil {
		counts := r.Counts()
		o.Completed = counts[fabric.StateCompleted]
		o.Failed = counts[fabric.StateFailed]
		o.Cancelled = counts[fabric.StateCancelled]
		for _, n := range r.Attempts {
			if n > 1 {
				o.Retries += n - 1
			}
		}
	}
	if res != nil {
		maxAbs, rel := res.MaxAbs, res.Residual
		o.MaxAbsResidual = &maxAbs
		o.RelativeResidual = &rel
	}
	return o
}

func writeTrace(path string, t trace.ExecutionTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	return writeFileAtomic(path, b, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
