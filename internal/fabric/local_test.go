package fabric

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileflow/internal/core"
	"tileflow/internal/metrics"
	"tileflow/internal/trace"
)

func task(n int, deps ...core.Task) core.Task {
	ids := make([]core.TaskID, len(deps))
	for i, d := range deps {
		ids[i] = d.ID
	}
	return core.NewTask(core.Descriptor{
		Kernel: core.Factorize,
		Inputs: []core.TileRef{core.Ref(n, n, 0)},
		Output: core.Ref(n, n, 1),
	}, ids...)
}

func fastOptions() Options {
	return Options{
		Concurrency: 4,
		MaxAttempts: 3,
		Backoff:     BackoffOptions{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func newLocal(t *testing.T, r Runner, opts Options) *Local {
	t.Helper()
	l, err := NewLocal(r, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func submitAndWait(t *testing.T, l *Local, tasks ...core.Task) map[core.TaskID]Status {
	t.Helper()
	ctx := ctxT(t)
	h, err := l.Submit(ctx, tasks)
	require.NoError(t, err)
	st, err := l.Wait(ctx, h)
	require.NoError(t, err)
	return st
}

func TestLocal_RunsDependenciesFirst(t *testing.T) {
	var mu sync.Mutex
	var order []core.TileRef
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		mu.Lock()
		order = append(order, d.Output)
		mu.Unlock()
		return nil
	})
	rec := trace.NewRecorder()
	opts := fastOptions()
	opts.Trace = rec
	l := newLocal(t, r, opts)

	a := task(0)
	b := task(1, a)
	c := task(2, b)
	d := task(3, a, c)
	st := submitAndWait(t, l, d, c, b, a)

	for _, tk := range []core.Task{a, b, c, d} {
		assert.Equal(t, StateCompleted, st[tk.ID].State)
		assert.Equal(t, 1, st[tk.ID].Attempts)
	}
	assert.Equal(t, []core.TileRef{a.Output, b.Output, c.Output, d.Output}, order)

	tr := rec.Trace(string(l.Graph().Hash()))
	assert.Equal(t, 4, tr.Count(trace.EventTaskSubmitted))
	assert.Equal(t, 4, tr.Count(trace.EventTaskDispatched))
	assert.Equal(t, 4, tr.Count(trace.EventTaskCompleted))
}

func TestLocal_RespectsConcurrencyBound(t *testing.T) {
	var cur, peak int32
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		n := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return nil
	})
	opts := fastOptions()
	opts.Concurrency = 3
	l := newLocal(t, r, opts)

	var tasks []core.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, task(i))
	}
	st := submitAndWait(t, l, tasks...)
	assert.Len(t, st, 20)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestLocal_RetriesTransientFailures(t *testing.T) {
	var calls int32
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return core.NewTaskError(core.ErrTransport, d, errors.New("connection reset"))
		}
		return nil
	})
	reg := prometheus.NewRegistry()
	opts := fastOptions()
	opts.Metrics = metrics.InitMetricsAndEmitter(reg)
	l := newLocal(t, r, opts)

	a := task(0)
	st := submitAndWait(t, l, a)
	assert.Equal(t, StateCompleted, st[a.ID].State)
	assert.Equal(t, 3, st[a.ID].Attempts)

	n, err := testutil.GatherAndCount(reg, "tileflow_task_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocal_ExhaustedRetriesAreFatal(t *testing.T) {
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		if d.Output == core.Ref(0, 0, 1) {
			return core.NewTaskError(core.ErrDependencyMissing, d, nil)
		}
		return nil
	})
	l := newLocal(t, r, fastOptions())

	a := task(0)
	b := task(1, a)
	st := submitAndWait(t, l, a, b)

	assert.Equal(t, StateFailed, st[a.ID].State)
	assert.Equal(t, 3, st[a.ID].Attempts)
	assert.ErrorIs(t, st[a.ID].Err, core.ErrDependencyMissing)
	assert.Equal(t, StateCancelled, st[b.ID].State)
	assert.Equal(t, a.ID, st[b.ID].Cause)
	assert.Zero(t, st[b.ID].Attempts)
}

// TestLocal_NotPositiveDefiniteCancelsDescendantsOnly: a non-retryable
// failure stops its subtree while unrelated work still completes.
func TestLocal_NotPositiveDefiniteCancelsDescendantsOnly(t *testing.T) {
	var mu sync.Mutex
	ran := map[core.TileRef]int{}
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		mu.Lock()
		ran[d.Output]++
		mu.Unlock()
		if d.Output == core.Ref(1, 1, 1) {
			return core.NewTaskError(core.ErrKernelCompute, d, &core.NotPositiveDefiniteError{})
		}
		return nil
	})
	rec := trace.NewRecorder()
	opts := fastOptions()
	opts.Trace = rec
	l := newLocal(t, r, opts)

	root := task(0)
	bad := task(1, root)
	child := task(2, bad)
	grandchild := task(3, child)
	sibling := task(4, root)
	st := submitAndWait(t, l, root, bad, child, grandchild, sibling)

	assert.Equal(t, StateCompleted, st[root.ID].State)
	assert.Equal(t, StateCompleted, st[sibling.ID].State)
	require.Equal(t, StateFailed, st[bad.ID].State)
	assert.Equal(t, core.ErrNotPositiveDefinite, st[bad.ID].Kind)
	assert.Equal(t, 1, st[bad.ID].Attempts, "NPD must not be retried")

	var te *core.TaskError
	require.True(t, errors.As(st[bad.ID].Err, &te))
	assert.Equal(t, bad.ID, te.TaskID)
	assert.Equal(t, core.Ref(1, 1, 1), te.Output)

	for _, c := range []core.Task{child, grandchild} {
		assert.Equal(t, StateCancelled, st[c.ID].State)
		assert.Equal(t, bad.ID, st[c.ID].Cause)
		assert.Greater(t, st[c.ID].Seq, st[bad.ID].Seq)
	}
	assert.Zero(t, ran[child.Output])
	assert.Zero(t, ran[grandchild.Output])
	assert.Equal(t, 2, rec.Trace("g").Count(trace.EventTaskCancelled))
}

func TestLocal_LateSubmissionBehindFatalIsCancelled(t *testing.T) {
	var calls int32
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		atomic.AddInt32(&calls, 1)
		return core.NewTaskError(core.ErrKernelCompute, d, &core.NotPositiveDefiniteError{})
	})
	l := newLocal(t, r, fastOptions())

	a := task(0)
	st := submitAndWait(t, l, a)
	require.Equal(t, StateFailed, st[a.ID].State)

	b := task(1, a)
	c := task(2, b)
	d := task(3, c)
	st = submitAndWait(t, l, b, c, d)
	assert.Equal(t, StateCancelled, st[b.ID].State)
	assert.Equal(t, a.ID, st[b.ID].Cause)
	for _, x := range []core.Task{c, d} {
		assert.Equal(t, StateCancelled, st[x.ID].State)
		assert.Equal(t, b.ID, st[x.ID].Cause, "everything behind b is cancelled with b as the cause")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLocal_SubmitRejectsBadBatches(t *testing.T) {
	l := newLocal(t, RunnerFunc(func(context.Context, core.Descriptor) error { return nil }), fastOptions())
	ctx := ctxT(t)

	orphan := core.NewTask(task(1).Descriptor, task(9).ID)
	_, err := l.Submit(ctx, []core.Task{task(0), orphan})
	assert.Error(t, err)

	_, err = l.Submit(ctx, []core.Task{task(0), task(0)})
	assert.Error(t, err)

	assert.Nil(t, l.Graph(), "rejected batches must leave no trace")

	a := task(0)
	st := submitAndWait(t, l, a)
	assert.Equal(t, StateCompleted, st[a.ID].State)

	// Resubmitting known work is a no-op that returns the same handle.
	h, err := l.Submit(ctx, []core.Task{a})
	require.NoError(t, err)
	assert.Equal(t, []TaskHandle{{ID: a.ID}}, h)

	_, err = l.Status(ctx, task(7).ID)
	assert.Error(t, err)
}

func TestLocal_RunnerPanicIsKernelCompute(t *testing.T) {
	r := RunnerFunc(func(context.Context, core.Descriptor) error { panic("index out of range") })
	opts := fastOptions()
	opts.MaxAttempts = 1
	l := newLocal(t, r, opts)

	a := task(0)
	st := submitAndWait(t, l, a)
	assert.Equal(t, StateFailed, st[a.ID].State)
	assert.Equal(t, core.ErrKernelCompute, st[a.ID].Kind)
}

func TestLocal_DataPlane(t *testing.T) {
	l := newLocal(t, RunnerFunc(func(context.Context, core.Descriptor) error { return nil }), fastOptions())
	ctx := ctxT(t)

	_, err := l.Fetch(ctx, core.Ref(0, 0, 0))
	assert.ErrorIs(t, err, core.ErrDependencyMissing)

	payload := []byte{1, 2, 3}
	require.NoError(t, l.Seed(core.Ref(0, 0, 0), payload))
	payload[0] = 9
	got, err := l.Fetch(ctx, core.Ref(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, l.Publish(ctx, core.Ref(0, 0, 0), []byte{4}))
	got, err = l.Fetch(ctx, core.Ref(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, got, "fetch returns the most recent publish")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Fetch(cancelled, core.Ref(0, 0, 0))
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestLocal_CloseCancelsUnfinishedWork(t *testing.T) {
	release := make(chan struct{})
	r := RunnerFunc(func(ctx context.Context, d core.Descriptor) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	l, err := NewLocal(r, fastOptions())
	require.NoError(t, err)

	ctx := ctxT(t)
	a := task(0)
	b := task(1, a)
	h, err := l.Submit(ctx, []core.Task{a, b})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := l.Status(ctx, a.ID)
		return err == nil && st.State == StateRunning
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	close(release)

	st, err := l.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st[a.ID].State)
	assert.Equal(t, StateCancelled, st[b.ID].State)

	_, err = l.Submit(ctx, []core.Task{task(5)})
	assert.ErrorIs(t, err, ErrClosed)
}
