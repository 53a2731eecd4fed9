package fabric

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"tileflow/internal/core"
	"tileflow/internal/dag"
	"tileflow/internal/logger"
	"tileflow/internal/metrics"
	"tileflow/internal/trace"
)

// ErrClosed is returned by calls on a closed Local.
var ErrClosed = errors.New("fabric closed")

// BackoffOptions shapes the delay between attempts of a failed task.
type BackoffOptions struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Options configures a Local fabric.
type Options struct {
	// Concurrency bounds the worker pool. Defaults to runtime.NumCPU().
	Concurrency int
	// MaxAttempts bounds how often a task is started, retries included.
	// Defaults to 3.
	MaxAttempts int
	Backoff     BackoffOptions

	Trace   trace.Sink
	Metrics *metrics.MetricsEmitter
	Logger  *zap.SugaredLogger
}

// DefaultOptions returns the fabric defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency: runtime.NumCPU(),
		MaxAttempts: 3,
		Backoff: BackoffOptions{
			Initial:    50 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
	}
}

type workItem struct {
	id      core.TaskID
	task    core.Task
	attempt int
}

type workResult struct {
	id  core.TaskID
	err error
}

// Local is an in-process fabric. A coordinator goroutine promotes tasks whose
// dependencies completed and hands them to a bounded pool of goroutines that
// call the Runner. All state reads and writes happen under mu; task execution
// happens outside it.
type Local struct {
	runner Runner
	opts   Options
	log    *zap.SugaredLogger

	data *xsync.MapOf[core.TileRef, []byte]

	mu       sync.Mutex
	tasks    []core.Task
	graph    *dag.TaskGraph
	state    dag.ExecutionState
	attempts map[core.TaskID]int
	statuses map[core.TaskID]Status
	done     map[core.TaskID]chan struct{}
	backoffs map[core.TaskID]*backoff.ExponentialBackOff
	timers   map[core.TaskID]*time.Timer
	queue    []core.TaskID // READY, sorted by (depth, id)
	retryDue []core.TaskID // RETRYING, backoff elapsed
	inFlight int
	seq      int
	closed   bool

	wake    chan struct{}
	work    chan workItem
	results chan workResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Client = (*Local)(nil)

// NewLocal starts a Local fabric running tasks through runner.
func NewLocal(runner Runner, opts Options) (*Local, error) {
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = def.Backoff.Initial
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = def.Backoff.Max
	}
	if opts.Backoff.Multiplier < 1 {
		opts.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if opts.Trace == nil {
		opts.Trace = trace.NopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		runner:   runner,
		opts:     opts,
		log:      logger.OrNop(opts.Logger),
		data:     xsync.NewMapOf[core.TileRef, []byte](),
		state:    dag.ExecutionState{},
		attempts: map[core.TaskID]int{},
		statuses: map[core.TaskID]Status{},
		done:     map[core.TaskID]chan struct{}{},
		backoffs: map[core.TaskID]*backoff.ExponentialBackOff{},
		timers:   map[core.TaskID]*time.Timer{},
		wake:     make(chan struct{}, 1),
		work:     make(chan workItem, opts.Concurrency),
		results:  make(chan workResult, opts.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < opts.Concurrency; i++ {
		l.wg.Add(1)
		go l.workerLoop()
	}
	l.wg.Add(1)
	go l.coordinate()
	return l, nil
}

// Seed uploads a version 0 tile. It is Publish for the client side.
func (l *Local) Seed(ref core.TileRef, payload []byte) error {
	return l.Publish(context.Background(), ref, payload)
}

// Publish makes payload the current bytes for ref.
func (l *Local) Publish(ctx context.Context, ref core.TileRef, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.data.Store(ref, cp)
	return nil
}

// Fetch returns a copy of the bytes most recently published for ref.
func (l *Local) Fetch(ctx context.Context, ref core.TileRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	b, ok := l.data.Load(ref)
	if !ok {
		return nil, fmt.Errorf("%w: tile %s has not been published", core.ErrDependencyMissing, ref)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// Submit accepts a batch of tasks.
//
// Every dependency must be either already submitted or part of the batch.
// Duplicate ids within a batch and cycles are rejected and nothing from the
// batch is accepted. Tasks already known to the fabric are not resubmitted;
// their existing handle is returned. A new task whose dependency already
// failed or was cancelled is cancelled immediately.
func (l *Local) Submit(ctx context.Context, tasks []core.Task) ([]TaskHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	handles := make([]TaskHandle, 0, len(tasks))
	batch := make([]core.Task, 0, len(tasks))
	inBatch := make(map[core.TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		handles = append(handles, TaskHandle{ID: t.ID})
		if _, known := l.state[t.ID]; known {
			continue
		}
		if _, dup := inBatch[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task %s in batch", t.ID.Short())
		}
		inBatch[t.ID] = struct{}{}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return handles, nil
	}

	all := make([]core.Task, 0, len(l.tasks)+len(batch))
	all = append(all, l.tasks...)
	all = append(all, batch...)
	g, err := dag.NewTaskGraph(all)
	if err != nil {
		return nil, fmt.Errorf("rejecting batch: %w", err)
	}

	l.tasks = all
	l.graph = g
	for _, t := range batch {
		l.state[t.ID] = dag.TaskPending
		l.done[t.ID] = make(chan struct{})
		trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskSubmitted, TaskID: string(t.ID)})
	}

	for _, id := range g.TopologicalOrder() {
		if _, isNew := inBatch[id]; !isNew || l.state[id] != dag.TaskPending {
			continue
		}
		t, _ := g.Task(id)
		for _, dep := range t.Deps {
			st := l.state[dep]
			if st != dag.TaskFatal && st != dag.TaskCancelled {
				continue
			}
			reason := trace.ReasonUpstreamFatal
			if st == dag.TaskCancelled {
				reason = trace.ReasonUpstreamCancelled
			}
			_ = dag.Transition(l.state, id, dag.TaskPending, dag.TaskCancelled)
			l.cancelled(t, dep, reason)
			// New tasks behind this one can only be new themselves.
			behind, err := dag.CancelDescendants(g, l.state, id)
			if err != nil {
				l.log.Errorw("cancelling descendants", "task", id.Short(), "error", err)
			}
			for _, c := range behind {
				ct, _ := g.Task(c)
				l.cancelled(ct, id, trace.ReasonUpstreamCancelled)
			}
			break
		}
	}

	l.signal()
	return handles, nil
}

// Wait blocks until every handle is terminal or ctx is done. On ctx
// expiry it returns the statuses known so far together with ctx's error.
func (l *Local) Wait(ctx context.Context, handles []TaskHandle) (map[core.TaskID]Status, error) {
	out := make(map[core.TaskID]Status, len(handles))
	for _, h := range handles {
		l.mu.Lock()
		ch, ok := l.done[h.ID]
		l.mu.Unlock()
		if !ok {
			return out, fmt.Errorf("unknown task %s", h.ID.Short())
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		l.mu.Lock()
		out[h.ID] = l.statuses[h.ID]
		l.mu.Unlock()
	}
	return out, nil
}

// Status returns the current status of id.
func (l *Local) Status(ctx context.Context, id core.TaskID) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.statuses[id]; ok {
		return st, nil
	}
	st, ok := l.state[id]
	if !ok {
		return Status{}, fmt.Errorf("unknown task %s", id.Short())
	}
	out := Status{State: StatePending, Attempts: l.attempts[id]}
	switch st {
	case dag.TaskRunning, dag.TaskFailed, dag.TaskRetrying:
		out.State = StateRunning
	}
	return out, nil
}

// Graph returns the graph of every task submitted so far, or nil.
func (l *Local) Graph() *dag.TaskGraph {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.graph
}

// StateSnapshot returns a copy of the current execution state.
func (l *Local) StateSnapshot() dag.ExecutionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make(dag.ExecutionState, len(l.state))
	for k, v := range l.state {
		cp[k] = v
	}
	return cp
}

// Close stops the coordinator and the worker pool. Tasks that have not
// finished are reported as cancelled.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, t := range l.timers {
		t.Stop()
	}
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.graphOrder() {
		if dag.IsTerminal(l.state[id]) {
			continue
		}
		t, _ := l.graph.Task(id)
		// Forced: RUNNING and RETRYING have no transition to CANCELLED.
		l.state[id] = dag.TaskCancelled
		l.cancelled(t, "", trace.ReasonClosed)
	}
	return nil
}

func (l *Local) graphOrder() []core.TaskID {
	if l.graph == nil {
		return nil
	}
	return l.graph.TopologicalOrder()
}

func (l *Local) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Local) workerLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case w := <-l.work:
			err := l.execute(w)
			select {
			case l.results <- workResult{id: w.id, err: err}:
			case <-l.ctx.Done():
				return
			}
		}
	}
}

func (l *Local) execute(w workItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewTaskError(core.ErrKernelCompute, w.task.Descriptor, fmt.Errorf("runner panic: %v", r))
		}
	}()
	l.log.Debugw("dispatching task", "task", w.id.Short(), "kernel", w.task.Kernel.String(), "output", w.task.Output.String(), "attempt", w.attempt)
	return l.runner.Execute(l.ctx, w.task.Descriptor)
}

func (l *Local) coordinate() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		case r := <-l.results:
			l.handleResult(r)
		}
		l.schedule()
	}
}

// schedule promotes newly ready tasks and dispatches as many as the pool allows.
func (l *Local) schedule() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.graph == nil || l.closed {
		return
	}

	ready := dag.GetReadyTasks(l.graph, l.state)
	for _, id := range ready {
		if err := dag.Transition(l.state, id, dag.TaskPending, dag.TaskReady); err != nil {
			l.log.Errorw("promoting task", "task", id.Short(), "error", err)
			continue
		}
		l.queue = append(l.queue, id)
	}
	if len(ready) > 0 {
		sort.SliceStable(l.queue, func(i, j int) bool {
			di, _ := l.graph.Depth(l.queue[i])
			dj, _ := l.graph.Depth(l.queue[j])
			if di != dj {
				return di < dj
			}
			return l.queue[i] < l.queue[j]
		})
	}

	for l.inFlight < l.opts.Concurrency {
		id, from, ok := l.next()
		if !ok {
			return
		}
		if err := dag.Transition(l.state, id, from, dag.TaskRunning); err != nil {
			l.log.Errorw("dispatching task", "task", id.Short(), "error", err)
			continue
		}
		l.attempts[id]++
		t, _ := l.graph.Task(id)
		l.inFlight++
		trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskDispatched, TaskID: string(id), Attempt: l.attempts[id]})
		l.work <- workItem{id: id, task: t, attempt: l.attempts[id]}
	}
}

// next pops the next dispatchable task: due retries first, then READY tasks.
// Entries whose state changed since they were queued are dropped.
func (l *Local) next() (core.TaskID, dag.TaskState, bool) {
	for len(l.retryDue) > 0 {
		id := l.retryDue[0]
		l.retryDue = l.retryDue[1:]
		if l.state[id] == dag.TaskRetrying {
			return id, dag.TaskRetrying, true
		}
	}
	for len(l.queue) > 0 {
		id := l.queue[0]
		l.queue = l.queue[1:]
		if l.state[id] == dag.TaskReady {
			return id, dag.TaskReady, true
		}
	}
	return "", "", false
}

func (l *Local) handleResult(r workResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	if l.closed {
		// Close reports everything unfinished as cancelled.
		return
	}

	t, _ := l.graph.Task(r.id)
	attempt := l.attempts[r.id]
	kernel := t.Kernel.String()

	if r.err == nil {
		if err := dag.Transition(l.state, r.id, dag.TaskRunning, dag.TaskCompleted); err != nil {
			l.log.Errorw("completing task", "task", r.id.Short(), "error", err)
			return
		}
		delete(l.backoffs, r.id)
		l.finish(r.id, Status{State: StateCompleted, Attempts: attempt})
		trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskCompleted, TaskID: string(r.id), Attempt: attempt})
		l.opts.Metrics.EmitTask(kernel, metrics.StatusCompleted)
		return
	}

	terr := asTaskError(t.Descriptor, r.err)
	kind := core.KindOf(terr)
	if err := dag.Transition(l.state, r.id, dag.TaskRunning, dag.TaskFailed); err != nil {
		l.log.Errorw("failing task", "task", r.id.Short(), "error", err)
		return
	}
	trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskFailed, TaskID: string(r.id), Attempt: attempt, Reason: core.KindName(kind)})

	if core.Retryable(terr) && attempt < l.opts.MaxAttempts {
		_ = dag.Transition(l.state, r.id, dag.TaskFailed, dag.TaskRetrying)
		delay := l.backoffFor(r.id).NextBackOff()
		l.log.Warnw("retrying task", "task", r.id.Short(), "kernel", kernel, "attempt", attempt, "delay", delay, "error", terr)
		trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskRetried, TaskID: string(r.id), Attempt: attempt, Reason: core.KindName(kind)})
		l.opts.Metrics.EmitRetry(kernel)
		id := r.id
		l.timers[id] = time.AfterFunc(delay, func() {
			l.mu.Lock()
			delete(l.timers, id)
			l.retryDue = append(l.retryDue, id)
			l.mu.Unlock()
			l.signal()
		})
		return
	}

	cancelled, err := dag.FatalAndPropagate(l.graph, l.state, r.id)
	if err != nil {
		l.log.Errorw("propagating failure", "task", r.id.Short(), "error", err)
	}
	l.log.Errorw("task failed", "task", r.id.Short(), "kernel", kernel, "output", t.Output.String(), "kind", core.KindName(kind), "attempts", attempt, "cancelled", len(cancelled), "error", terr)
	l.finish(r.id, Status{State: StateFailed, Kind: kind, Err: terr, Attempts: attempt})
	l.opts.Metrics.EmitTask(kernel, metrics.StatusFailed)
	for _, c := range cancelled {
		ct, _ := l.graph.Task(c)
		l.cancelled(ct, r.id, trace.ReasonUpstreamFatal)
	}
}

// cancelled records a task that moved to CANCELLED. Caller holds mu.
func (l *Local) cancelled(t core.Task, cause core.TaskID, reason string) {
	l.finish(t.ID, Status{State: StateCancelled, Cause: cause, Attempts: l.attempts[t.ID]})
	trace.SafeRecord(l.opts.Trace, trace.TraceEvent{Kind: trace.EventTaskCancelled, TaskID: string(t.ID), Reason: reason, CauseTaskID: string(cause)})
	l.opts.Metrics.EmitTask(t.Kernel.String(), metrics.StatusCancelled)
}

// finish stores the terminal status and releases waiters. Caller holds mu.
func (l *Local) finish(id core.TaskID, st Status) {
	if _, done := l.statuses[id]; done {
		return
	}
	l.seq++
	st.Seq = l.seq
	l.statuses[id] = st
	if ch, ok := l.done[id]; ok {
		close(ch)
	}
}

func (l *Local) backoffFor(id core.TaskID) *backoff.ExponentialBackOff {
	if b, ok := l.backoffs[id]; ok {
		return b
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.Backoff.Initial
	b.MaxInterval = l.opts.Backoff.Max
	b.Multiplier = l.opts.Backoff.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	l.backoffs[id] = b
	return b
}

// asTaskError makes sure every failure carries the task identity and a kind.
// Unclassified runner errors are treated as transport failures.
func asTaskError(d core.Descriptor, err error) *core.TaskError {
	var te *core.TaskError
	if errors.As(err, &te) {
		return te
	}
	kind := core.KindOf(err)
	if kind == nil {
		kind = core.ErrTransport
	}
	return core.NewTaskError(kind, d, err)
}
