package forkjoin

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/exp/rand"

	"github.com/go-foundations/forkjoin/internal/deque"
)

// Worker owns one Deque and runs in a dedicated goroutine for the lifetime
// of its registration in the pool. Grounded on the teacher's
// workStealingWorker loop (workerpool.go / strategies/work_stealing.go),
// generalized from "process a fixed deque slice" to the spec's full
// preStep/compensation/spare lifecycle.
type Worker struct {
	index int
	pool  *Pool
	deque *deque.Deque

	lastEventCount atomic.Uint32
	stealCount     atomic.Int64
	active         atomic.Bool
	// runningCounted tracks whether this worker currently contributes to
	// the pool's running-count, so onTermination decrements it exactly
	// once regardless of which path (spare suspension vs. pool shutdown)
	// the worker exits through.
	runningCounted atomic.Bool

	rng *rand.Rand

	// resume is closed (and replaced) to wake a worker parked via
	// suspendAsSpare or eventSync.
	resumeMu sync.Mutex
	resume   chan struct{}

	quit chan struct{}
}

func newWorker(index int, pool *Pool) *Worker {
	w := &Worker{
		index:  index,
		pool:   pool,
		deque:  deque.New(256),
		rng:    rand.New(rand.NewSource(int64(index)*2654435761 + 1)),
		resume: make(chan struct{}),
		quit:   make(chan struct{}),
	}
	w.runningCounted.Store(true)
	return w
}

// --- goroutine-local worker identity -------------------------------------
//
// Go has no native thread-local storage tied to a goroutine's identity, but
// spec.md's fork/join protocol depends on Task.Fork/Join knowing "am I
// running inside a worker, and if so, which one" without the caller having
// to thread a context parameter through every compute function (spec.md §9
// replaces *inheritance*-based thread-local context with an explicit
// worker-context parameter for the *task's own* compute function, but Fork
// itself is called on arbitrary nested values the user holds a reference
// to, exactly as in the source runtime's Thread.currentThread() check).
// We replicate that check with a small goroutine-id lookup, the same
// technique general-purpose goroutine-id helpers use internally.
var (
	workersMu sync.RWMutex
	workersByGoroutine = map[uint64]*Worker{}
)

func registerCurrentGoroutineAsWorker(w *Worker) {
	id := goroutineID()
	workersMu.Lock()
	workersByGoroutine[id] = w
	workersMu.Unlock()
}

func unregisterCurrentGoroutineWorker() {
	id := goroutineID()
	workersMu.Lock()
	delete(workersByGoroutine, id)
	workersMu.Unlock()
}

func currentWorker() *Worker {
	id := goroutineID()
	workersMu.RLock()
	w := workersByGoroutine[id]
	workersMu.RUnlock()
	return w
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// Expected prefix: "goroutine 123 [running]:"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// --- main loop ------------------------------------------------------------

// loop is the worker's entire lifetime: pop/steal/run until the pool asks
// it to stop. Grounded on the teacher's workStealingWorker, replacing its
// time.Sleep busy-backoff with the spec's preStep/event-wait/compensation
// protocol (spec.md §4.2).
func (w *Worker) loop() {
	registerCurrentGoroutineAsWorker(w)
	defer unregisterCurrentGoroutineWorker()
	defer w.onTermination()

	misses := 0
	for {
		if w.pool.isStopped() {
			return
		}

		task, ok := w.nextTask()
		if ok {
			w.ensureActive()
			w.runTask(task)
			misses = 0
			continue
		}

		misses++
		if w.preStep(misses) {
			return
		}
	}
}

// nextTask implements spec.md §4.2 step 1-2: local pop/poll first, then
// drain a pending external submission, then a randomized steal scan.
func (w *Worker) nextTask() (Forkable, bool) {
	var v deque.Elem
	var ok bool
	if w.pool.config.AsyncMode {
		v, ok = w.deque.PollTop()
	} else {
		v, ok = w.deque.PopTop()
	}
	if ok {
		return v.(Forkable), true
	}

	if sub, ok := w.pool.submissions.Poll(); ok {
		return sub, true
	}

	return w.steal()
}

// steal picks a random starting index into the pool's worker array and
// scans linearly for a non-empty foreign deque, stopping on first success
// or after one full sweep (spec.md §4.2 step 2).
func (w *Worker) steal() (Forkable, bool) {
	workers := w.pool.snapshotWorkers()
	n := len(workers)
	if n == 0 {
		return nil, false
	}
	start := w.rng.Intn(n)
	for i := 0; i < n; i++ {
		victim := workers[(start+i)%n]
		if victim == nil || victim == w {
			continue
		}
		if v, ok := victim.deque.PollBase(); ok {
			w.stealCount.Inc()
			return v.(Forkable), true
		}
	}
	return nil, false
}

func (w *Worker) runTask(t Forkable) {
	t.run(w)
}

func (w *Worker) ensureActive() {
	if w.active.CompareAndSwap(false, true) {
		w.pool.activeDelta(1)
	}
}

func (w *Worker) ensureInactive() {
	if w.active.CompareAndSwap(true, false) {
		w.pool.activeDelta(-1)
	}
}

// preStep implements spec.md §4.2's preStep(misses): possibly go inactive,
// possibly block on the event wait, possibly self-suspend as a spare.
// Returns true if the worker was trimmed as a spare and should exit its
// loop entirely.
func (w *Worker) preStep(misses int) bool {
	running := w.pool.runningCount()
	if w.active.Load() && (misses > 0 || running > w.pool.config.Parallelism) {
		w.ensureInactive()
	}

	if misses >= 2 {
		w.pool.eventSync(w)
		return false
	}

	if running > w.pool.config.Parallelism {
		w.pool.decrementRunning()
		w.runningCounted.Store(false)
		if w.suspendAsSpare() {
			return true
		}
		w.pool.incrementRunning()
		w.runningCounted.Store(true)
		return false
	}

	w.pool.helpMaintainParallelism()
	return false
}

// doneWaiter is the minimal capability helpJoinTask needs from a joined
// task: completion polling plus a channel to block on once help is
// exhausted. *Task[T] satisfies it for any T.
type doneWaiter interface {
	IsDone() bool
	Done() <-chan struct{}
}

// helpJoinTask implements spec.md §4.2 helpJoinTask: run local work while
// the joined task remains incomplete, falling back to pool compensation if
// nothing local is available.
func (w *Worker) helpJoinTask(j doneWaiter) {
	budget := 64
	for !j.IsDone() && budget > 0 {
		var v deque.Elem
		var ok bool
		if w.pool.config.AsyncMode {
			v, ok = w.deque.PollTop()
		} else {
			v, ok = w.deque.PopTop()
		}
		if !ok {
			v, ok = w.steal()
		}
		if !ok {
			break
		}
		w.ensureActive()
		v.(Forkable).run(w)
		budget--
	}
	if !j.IsDone() {
		w.pool.awaitBlocker(w, blockerFunc{
			block: func() error {
				<-j.Done()
				return nil
			},
			releasable: j.IsDone,
		})
	}
}

// suspendAsSpare parks the worker on the pool's spare stack until resumed,
// the pool quits, or it has sat idle past the configured IdleSpareTrim, at
// which point it reports itself trimmed so the caller retires it for good
// instead of rejoining the running set (spec.md §4.2's spare lifecycle).
func (w *Worker) suspendAsSpare() bool {
	w.resumeMu.Lock()
	ch := w.resume
	w.resumeMu.Unlock()

	w.pool.pushSpare(w)

	if w.pool.config.IdleSpareTrim <= 0 {
		select {
		case <-ch:
			return false
		case <-w.quit:
			return false
		}
	}

	timer := time.NewTimer(w.pool.config.IdleSpareTrim)
	defer timer.Stop()
	select {
	case <-ch:
		return false
	case <-w.quit:
		return false
	case <-timer.C:
		return w.pool.trimSpare(w)
	}
}

// wake replaces the resume channel (closing the old one) so a subsequent
// suspendAsSpare call gets a fresh channel to wait on.
func (w *Worker) wake() {
	w.resumeMu.Lock()
	old := w.resume
	w.resume = make(chan struct{})
	w.resumeMu.Unlock()
	close(old)
}

func (w *Worker) onTermination() {
	w.pool.onWorkerTerminated(w, w.runningCounted.Load())
}

// blockerFunc adapts plain funcs to the ManagedBlocker interface.
type blockerFunc struct {
	block      func() error
	releasable func() bool
}

func (b blockerFunc) Block() error     { return b.block() }
func (b blockerFunc) IsReleasable() bool { return b.releasable() }
