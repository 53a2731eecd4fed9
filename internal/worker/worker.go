// Package worker runs single task descriptors on behalf of a fabric.
//
// A worker resolves each input tile by its exact TileRef, first from the
// node-local result cache and then from the fabric, runs the kernel, and
// writes the output to the cache before publishing it. Nothing is written when
// a task fails.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tileflow/internal/cache"
	"tileflow/internal/core"
	"tileflow/internal/kernel"
	"tileflow/internal/logger"
)

// DataPlane is the tile transport a worker reads inputs from and publishes
// outputs to.
type DataPlane interface {
	Fetch(ctx context.Context, ref core.TileRef) ([]byte, error)
	Publish(ctx context.Context, ref core.TileRef, payload []byte) error
}

// Worker executes descriptors. Cache and Data are required; a nil Kernels
// table means kernel.Default().
type Worker struct {
	Cache   *cache.ResultCache
	Data    DataPlane
	Kernels kernel.Table

	// FetchAttempts bounds fabric reads per input when the transport fails.
	// Defaults to 3.
	FetchAttempts int
	// Backoff is the first delay between fetch attempts. Defaults to 10ms.
	Backoff time.Duration

	Logger *zap.SugaredLogger
}

// New returns a Worker with the default kernel table.
func New(c *cache.ResultCache, data DataPlane) *Worker {
	return &Worker{Cache: c, Data: data, Kernels: kernel.Default()}
}

// Execute runs d. A nil return means the output tile is in the cache and has
// been published. Failures are *core.TaskError values.
func (w *Worker) Execute(ctx context.Context, d core.Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewTaskError(core.ErrKernelCompute, d, fmt.Errorf("kernel panic: %v", r))
		}
	}()
	if w.Cache == nil || w.Data == nil {
		return core.NewTaskError(core.ErrTransport, d, fmt.Errorf("worker is not wired to a cache and a data plane"))
	}
	if err := d.Validate(); err != nil {
		// A malformed descriptor fails the same way on every attempt.
		return core.NewTaskError(core.ErrDimension, d, err)
	}
	log := logger.OrNop(w.Logger).With("kernel", d.Kernel.String(), "output", d.Output.String())

	// An output already in the cache was produced by an earlier attempt or by
	// an identical task. Publish those bytes instead of computing new ones.
	cached, ok, err := w.Cache.Get(d.Output)
	if err != nil {
		return classify(d, err)
	}
	if ok {
		if err := w.publish(ctx, d, cached); err != nil {
			return err
		}
		log.Debugw("task served from cache", "bytes", len(cached))
		return nil
	}

	inputs := make([][]byte, len(d.Inputs))
	for i, ref := range d.Inputs {
		b, err := w.resolve(ctx, ref)
		if err != nil {
			return classify(d, err)
		}
		inputs[i] = b
	}

	kernels := w.Kernels
	if kernels == nil {
		kernels = kernel.Default()
	}
	out, err := kernels.Run(d.Kernel, inputs)
	if err != nil {
		log.Debugw("kernel failed", "error", err)
		return classify(d, err)
	}

	if err := w.Cache.Put(d.Output, out); err != nil {
		return classify(d, err)
	}
	if err := w.publish(ctx, d, out); err != nil {
		return err
	}
	log.Debugw("task done", "bytes", len(out))
	return nil
}

// publish hands the output to the fabric. On failure the cache entry stays
// and the retry publishes it without recomputing.
func (w *Worker) publish(ctx context.Context, d core.Descriptor, out []byte) error {
	if err := w.Data.Publish(ctx, d.Output, out); err != nil {
		return classify(d, fmt.Errorf("%w: publishing %s: %v", core.ErrTransport, d.Output, err))
	}
	return nil
}

// resolve returns the bytes for ref from the cache, falling back to the fabric.
func (w *Worker) resolve(ctx context.Context, ref core.TileRef) ([]byte, error) {
	b, ok, err := w.Cache.Get(ref)
	if err != nil {
		return nil, err
	}
	if ok {
		return b, nil
	}

	b, err = w.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := w.Cache.Put(ref, b); err != nil {
		return nil, err
	}
	return b, nil
}

// fetch reads ref from the fabric. Only transport failures are retried.
func (w *Worker) fetch(ctx context.Context, ref core.TileRef) ([]byte, error) {
	attempts := w.FetchAttempts
	if attempts <= 0 {
		attempts = 3
	}
	initial := w.Backoff
	if initial <= 0 {
		initial = 10 * time.Millisecond
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() ([]byte, error) {
		b, err := w.Data.Fetch(ctx, ref)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, core.ErrTransport) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		logger.OrNop(w.Logger).Debugw("fetch failed, retrying", "tile", ref.String(), "delay", next, "error", err)
	}
	b, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: fetching %s: %v", core.ErrTransport, ref, err)
		}
		if core.KindOf(err) == nil {
			err = fmt.Errorf("%w: fetching %s: %v", core.ErrDependencyMissing, ref, err)
		}
		return nil, err
	}
	return b, nil
}

// classify wraps err in a TaskError for d. Unclassified errors count as
// kernel failures.
func classify(d core.Descriptor, err error) *core.TaskError {
	var te *core.TaskError
	if errors.As(err, &te) {
		return te
	}
	kind := core.KindOf(err)
	if kind == nil {
		kind = core.ErrKernelCompute
	}
	return core.NewTaskError(kind, d, err)
}
