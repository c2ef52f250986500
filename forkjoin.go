// Package forkjoin implements a concurrent fork/join execution runtime: a
// work-stealing task scheduler (Pool) paired with a reusable, hierarchical
// phase barrier (Phaser). See SPEC_FULL.md for the full design.
package forkjoin

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-foundations/forkjoin/internal/bits"
	"github.com/go-foundations/forkjoin/internal/queue"
)

// ManagedBlocker is a user-provided blocking strategy that cooperates with
// the pool's compensation protocol: Block() performs the actual wait,
// IsReleasable() is polled before and after to avoid ever calling Block()
// once the condition already holds (spec.md §4.4, §8 boundary behavior).
type ManagedBlocker interface {
	Block() error
	IsReleasable() bool
}

// eventWaiterEntry is what the pool's eventWaiters Treiber stack holds: the
// parked worker plus the event count it was waiting to see change.
type eventWaiterEntry struct {
	worker  *Worker
	awaited uint32
}

// Pool is the fixed-parallelism (dynamically compensated) work-stealing
// scheduler. Construct with New.
type Pool struct {
	config Config
	log    *zap.Logger

	workersMu sync.Mutex
	workers   atomic.Pointer[[]*Worker] // published snapshot, read lock-free

	workerCounts atomic.Uint32 // bits.PackWorkerCounts
	runState     atomic.Uint32 // bits.PackRunState
	eventCount   atomic.Uint32

	eventWaiters *queue.Treiber[eventWaiterEntry]
	spareWaiters *queue.Treiber[*Worker]

	submissions *queue.Submission[Forkable]

	wg           sync.WaitGroup
	terminatedCh chan struct{}
	terminateOnce sync.Once
}

// New constructs a pool and starts its worker goroutines. Parallelism is
// taken from opts (default DefaultParallelism); a value outside
// [1, Config.MaxWorkers] is not clamped: New returns a nil pool and an
// error wrapping ErrInvalidParallelism.
func New(opts ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Parallelism < 1 || cfg.Parallelism > cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: %d", ErrInvalidParallelism, cfg.Parallelism)
	}
	if cfg.UncaughtExceptionHandler == nil {
		logger := cfg.Logger
		cfg.UncaughtExceptionHandler = func(worker int, err error) {
			logger.Warn("uncaught task exception", zap.Int("worker", worker), zap.Error(err))
		}
	}

	p := &Pool{
		config:       cfg,
		log:          cfg.Logger,
		eventWaiters: queue.NewTreiber[eventWaiterEntry](),
		spareWaiters: queue.NewTreiber[*Worker](),
		submissions:  queue.NewSubmission[Forkable](),
		terminatedCh: make(chan struct{}),
	}

	empty := make([]*Worker, 0, cfg.Parallelism)
	p.workers.Store(&empty)

	for i := 0; i < cfg.Parallelism; i++ {
		p.spawnWorker()
	}

	return p, nil
}

// spawnWorker registers a new worker at the first free array slot (growing
// the array if needed, up to Config.MaxWorkers) and starts its goroutine.
// Returns nil without spawning when the array is full. Caller must not hold
// workersMu.
func (p *Pool) spawnWorker() *Worker {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	cur := *p.workers.Load()
	index := -1
	for i, w := range cur {
		if w == nil {
			index = i
			break
		}
	}
	if index == -1 && len(cur) >= p.config.MaxWorkers {
		return nil
	}
	var next []*Worker
	if index == -1 {
		index = len(cur)
		next = make([]*Worker, len(cur)+1)
		copy(next, cur)
	} else {
		next = make([]*Worker, len(cur))
		copy(next, cur)
	}

	w := newWorker(index, p)
	next[index] = w
	p.workers.Store(&next)

	p.addWorkerCounts(1, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.loop()
	}()

	p.log.Debug("worker spawned", zap.Int("worker", index))
	return w
}

func (p *Pool) snapshotWorkers() []*Worker {
	return *p.workers.Load()
}

// --- packed counter helpers -------------------------------------------------

func (p *Pool) addWorkerCounts(runningDelta, totalDelta int32) {
	for {
		old := p.workerCounts.Load()
		running, total := bits.UnpackWorkerCounts(old)
		newRunning := uint32(int32(running) + runningDelta)
		newTotal := uint32(int32(total) + totalDelta)
		next := bits.PackWorkerCounts(newRunning, newTotal)
		if p.workerCounts.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *Pool) runningCount() int {
	running, _ := bits.UnpackWorkerCounts(p.workerCounts.Load())
	return int(running)
}

func (p *Pool) totalCount() int {
	_, total := bits.UnpackWorkerCounts(p.workerCounts.Load())
	return int(total)
}

func (p *Pool) decrementRunning() { p.addWorkerCounts(-1, 0) }
func (p *Pool) incrementRunning() { p.addWorkerCounts(1, 0) }

func (p *Pool) activeDelta(delta int32) {
	for {
		old := p.runState.Load()
		active, level := bits.UnpackRunState(old)
		next := bits.PackRunState(uint32(int32(active)+delta), level)
		if p.runState.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *Pool) activeCount() int {
	active, _ := bits.UnpackRunState(p.runState.Load())
	return int(active)
}

func (p *Pool) runLevel() bits.RunLevel {
	_, level := bits.UnpackRunState(p.runState.Load())
	return level
}

func (p *Pool) setRunLevel(level bits.RunLevel) {
	for {
		old := p.runState.Load()
		active, cur := bits.UnpackRunState(old)
		if cur >= level {
			return
		}
		next := bits.PackRunState(active, level)
		if p.runState.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *Pool) isStopped() bool {
	return p.runLevel() >= bits.Terminating
}

// --- event sync (idle wait / wake) -----------------------------------------

// signalWork advances eventCount and releases any waiters whose awaited
// count is now stale (spec.md §4.4 signalWork). Called on submission, on a
// push to a previously-empty deque, and on termination.
func (p *Pool) signalWork() {
	newCount := p.eventCount.Inc()
	p.eventWaiters.DrainMatching(
		func(e eventWaiterEntry) bool { return e.awaited != newCount },
		func(e eventWaiterEntry) { e.worker.wake() },
	)
}

// eventSync parks w on the event-waiters stack until the event count
// changes from its last observed value (spec.md §4.4 eventSync).
func (p *Pool) eventSync(w *Worker) {
	awaited := p.eventCount.Load()
	w.lastEventCount.Store(awaited)
	p.eventWaiters.Push(eventWaiterEntry{worker: w, awaited: awaited})

	w.resumeMu.Lock()
	ch := w.resume
	w.resumeMu.Unlock()

	select {
	case <-ch:
	case <-time.After(50 * time.Millisecond):
		// Bounded wait: re-checks isStopped()/work availability even if a
		// signalWork was missed due to a benign race with DrainMatching.
	case <-w.quit:
	}
}

// helpMaintainParallelism performs exactly one of: release stale event
// waiters, resume a spare, or spawn a new worker (spec.md §4.4).
func (p *Pool) helpMaintainParallelism() {
	if !p.eventWaiters.Empty() {
		p.signalWork()
		return
	}
	running := p.runningCount()
	if running < p.config.Parallelism {
		if p.tryResumeSpare() {
			return
		}
		if p.runLevel() < bits.Terminating {
			total := p.totalCount()
			if total < p.config.Parallelism || p.allWorkersBusy() {
				p.spawnWorker()
			}
		}
	}
}

func (p *Pool) allWorkersBusy() bool {
	for _, w := range p.snapshotWorkers() {
		if w != nil && !w.active.Load() {
			return false
		}
	}
	return true
}

// --- spare stack ------------------------------------------------------------

func (p *Pool) pushSpare(w *Worker) {
	p.spareWaiters.Push(w)
}

func (p *Pool) tryResumeSpare() bool {
	w, ok := p.spareWaiters.Pop()
	if !ok {
		return false
	}
	w.wake()
	return true
}

// trimSpare removes w from the spare stack if it is still sitting there
// idle, reporting true if it did (the worker should retire for good). If w
// was concurrently popped by tryResumeSpare, it reports false: the worker
// was resumed rather than trimmed, even though its idle timer also fired.
func (p *Pool) trimSpare(w *Worker) bool {
	found := false
	p.spareWaiters.DrainMatching(
		func(v *Worker) bool { return v == w },
		func(v *Worker) { found = true },
	)
	return found
}

// --- compensation (awaitJoin / awaitBlocker) --------------------------------

// awaitBlocker runs b cooperatively with the compensation protocol:
// isReleasable is checked first and after Block(), and the running count is
// depressed around the call so a replacement worker can be spun up to keep
// parallelism near its target (spec.md §4.4 awaitBlocker).
func (p *Pool) awaitBlocker(w *Worker, b ManagedBlocker) error {
	if b.IsReleasable() {
		return nil
	}

	for i := 0; i < 4 && !b.IsReleasable(); i++ {
		p.helpMaintainParallelism()
	}

	if w != nil {
		p.decrementRunning()
	}
	p.helpMaintainParallelism()

	var err error
	for !b.IsReleasable() {
		err = b.Block()
		if err != nil {
			break
		}
	}

	if w != nil {
		p.incrementRunning()
	}
	return err
}

// ManagedBlock exposes the compensation protocol to external callers
// (spec.md §6 Extension hook).
func (p *Pool) ManagedBlock(b ManagedBlocker) error {
	return p.awaitBlocker(currentWorker(), b)
}

// externalAwaitDone is the non-worker join path (spec.md §4.3 join()).
func (p *Pool) externalAwaitDone(t doneWaiter) error {
	return p.awaitBlocker(nil, blockerFunc{
		block:      func() error { <-t.Done(); return nil },
		releasable: t.IsDone,
	})
}

// onWorkerTerminated retires w for good. runningCounted reports whether w
// was still contributing to the running-count at the moment it exited its
// loop: a worker trimmed while parked as a spare already had its running
// slot released by preStep's decrementRunning, so this must not release it
// a second time.
func (p *Pool) onWorkerTerminated(w *Worker, runningCounted bool) {
	p.workersMu.Lock()
	cur := *p.workers.Load()
	next := make([]*Worker, len(cur))
	copy(next, cur)
	if w.index < len(next) {
		next[w.index] = nil
	}
	p.workers.Store(&next)
	p.workersMu.Unlock()

	if runningCounted {
		p.addWorkerCounts(-1, -1)
	} else {
		p.addWorkerCounts(0, -1)
	}
	w.ensureInactive()
	p.log.Debug("worker terminated", zap.Int("worker", w.index), zap.Int64("steals", w.stealCount.Load()))
}

// --- submission / dispatch ---------------------------------------------------

// Submit enqueues t on the submission channel for pickup by any idle
// worker. Rejects once the pool has begun shutting down.
func (p *Pool) Submit(t Forkable) error {
	if p.isAtLeast(bits.Shutdown) {
		return ErrPoolShutdown
	}
	if !p.submissions.Offer(t) {
		return ErrPoolShutdown
	}
	p.signalWork()
	return nil
}

// Execute is an alias for Submit that discards the task's result when the
// caller only cares about side effects (matches spec.md §6 naming).
func (p *Pool) Execute(t Forkable) error {
	return p.Submit(t)
}

func (p *Pool) isAtLeast(level bits.RunLevel) bool {
	return p.runLevel() >= level
}

// StealCount sums steals observed across all currently-registered workers.
func (p *Pool) StealCount() int64 {
	var total int64
	for _, w := range p.snapshotWorkers() {
		if w != nil {
			total += w.stealCount.Load()
		}
	}
	return total
}

// --- observability -----------------------------------------------------------

type PoolMetrics struct {
	Parallelism           int
	PoolSize              int
	RunningThreadCount    int
	ActiveThreadCount     int
	IsQuiescent           bool
	StealCount            int64
	QueuedTaskCount       int
	QueuedSubmissionCount int
}

func (p *Pool) Metrics() PoolMetrics {
	queued := 0
	for _, w := range p.snapshotWorkers() {
		if w != nil {
			queued += w.deque.Size()
		}
	}
	active := p.activeCount()
	return PoolMetrics{
		Parallelism:           p.config.Parallelism,
		PoolSize:              p.totalCount(),
		RunningThreadCount:    p.runningCount(),
		ActiveThreadCount:     active,
		IsQuiescent:           active == 0 && queued == 0 && p.submissions.Len() == 0,
		StealCount:            p.StealCount(),
		QueuedTaskCount:       queued,
		QueuedSubmissionCount: p.submissions.Len(),
	}
}

func (p *Pool) GetParallelism() int        { return p.config.Parallelism }
func (p *Pool) GetPoolSize() int           { return p.totalCount() }
func (p *Pool) GetRunningThreadCount() int { return p.runningCount() }
func (p *Pool) GetActiveThreadCount() int  { return p.activeCount() }
func (p *Pool) GetStealCount() int64       { return p.StealCount() }
func (p *Pool) IsQuiescent() bool          { return p.Metrics().IsQuiescent }

// --- lifecycle ---------------------------------------------------------------

func (p *Pool) IsShutdown() bool    { return p.isAtLeast(bits.Shutdown) }
func (p *Pool) IsTerminating() bool { return p.isAtLeast(bits.Terminating) }
func (p *Pool) IsTerminated() bool  { return p.runLevel() == bits.Terminated }

// Shutdown initiates an orderly shutdown: no new submissions are accepted,
// but queued and running tasks run to completion (spec.md §4.4 termination
// state machine, RUNNING -> SHUTDOWN). Idempotent.
func (p *Pool) Shutdown() {
	p.setRunLevel(bits.Shutdown)
	p.submissions.Close()
	p.signalWork()
	go p.watchQuiescence()
}

// watchQuiescence advances SHUTDOWN -> TERMINATING -> TERMINATED once all
// queued work has drained, polling at a coarse interval since this is a
// background bookkeeping task, not a latency-sensitive one.
func (p *Pool) watchQuiescence() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if p.runLevel() >= bits.Terminating {
			return
		}
		m := p.Metrics()
		if m.IsQuiescent {
			p.ShutdownNow()
			return
		}
	}
}

// ShutdownNow cancels queued submissions and transitions through
// TERMINATING in the spec's four passes (shutdown-quietly; wake+cancel
// queued tasks; interrupt; mop-up), finally reaching TERMINATED. Returns
// the tasks that were still queued for submission and never ran. Idempotent.
func (p *Pool) ShutdownNow() []Forkable {
	p.setRunLevel(bits.Terminating)

	drained := p.submissions.Drain()
	for _, t := range drained {
		if c, ok := t.(interface{ Cancel(bool) bool }); ok {
			c.Cancel(true)
		}
	}

	g := &errgroup.Group{}
	workers := p.snapshotWorkers()
	for _, w := range workers {
		if w == nil {
			continue
		}
		w := w
		g.Go(func() error {
			// Concurrent ShutdownNow calls (e.g. a caller racing the
			// watchQuiescence goroutine) may both reach this worker.
			p.workersMu.Lock()
			select {
			case <-w.quit:
			default:
				close(w.quit)
			}
			p.workersMu.Unlock()
			w.wake()
			return nil
		})
	}
	var errs error
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	p.terminateOnce.Do(func() {
		p.wg.Wait()
		p.setRunLevel(bits.Terminated)
		close(p.terminatedCh)
		p.log.Info("pool terminated", zap.Int64("steals", p.StealCount()))
	})

	return drained
}

// AwaitTermination blocks up to timeout for the pool to finish
// terminating, returning true iff it did.
func (p *Pool) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-p.terminatedCh:
		return true
	case <-time.After(timeout):
		return p.IsTerminated()
	}
}

// Invoke submits t and blocks until it completes, returning its error (the
// fork/join "submit and join" convenience named in spec.md §6).
func (p *Pool) Invoke(t Forkable) error {
	if err := p.Submit(t); err != nil {
		return err
	}
	return t.awaitDone(currentWorker())
}

// InvokeAll submits every task and joins all of them, aggregating errors
// (supplemented operation, §12 of SPEC_FULL.md).
func (p *Pool) InvokeAll(ts ...Forkable) error {
	for _, t := range ts {
		if err := p.Submit(t); err != nil {
			return err
		}
	}
	var errs error
	for _, t := range ts {
		if err := t.awaitDone(currentWorker()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
