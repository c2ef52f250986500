package forkjoin

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// status values for Task.status. Mirrors FutureTask's two-phase completion
// protocol (RUNNING -> COMPLETING -> terminal) so that the result/err
// fields read by outcome() are fully written before any concurrent Join/Get
// can observe the terminal state: the COMPLETING CAS reserves exclusive
// write access to result/err, and only after those writes does the status
// move to its final, externally-visible value. The external contract in
// spec.md §3 ("negative indicates terminal") is preserved by the terminal
// constants below; IsDone() never reports stCompleting as terminal.
const (
	stRunning    int32 = 0
	stCompleting int32 = 1
	stNormal     int32 = -1
	stExceptional int32 = -2
	stCancelled  int32 = -3
)

// TaskContext is handed to a task's compute function, giving it the
// worker-relative capabilities (forking children, checking cancellation)
// spec.md §9 calls for in place of thread-local context inheritance.
type TaskContext[T any] struct {
	pool   *Pool
	worker *Worker
	task   *Task[T]
}

// Pool returns the pool this task is executing under, or nil if the task
// is running synchronously outside any pool (e.g. a plain function call in
// a test).
func (c *TaskContext[T]) Pool() *Pool { return c.pool }

// Cancelled reports whether the owning task has been cancelled; compute
// functions doing long iterative work should poll this cooperatively,
// matching spec.md §8's cancellation-propagation scenario.
func (c *TaskContext[T]) Cancelled() bool {
	return c.task.IsCancelled()
}

// Forkable is the narrow capability set every task exposes to the pool and
// worker machinery, replacing the deep RecursiveAction/RecursiveTask/
// AsyncAction/CountedCompleter hierarchy (spec.md §9 Design Notes) with one
// interface plus generic result-bearing variants.
type Forkable interface {
	// run executes compute and records the outcome; called by whichever
	// worker pops or steals this task.
	run(w *Worker)
	// status-read capability shared by pool bookkeeping.
	IsDone() bool
	IsCancelled() bool
	// awaitDone blocks the calling goroutine (which may or may not be a
	// worker) until the task reaches a terminal state, optionally via the
	// pool's managed-block compensation hook.
	awaitDone(w *Worker) error
}

// Task is a single fork/join unit of work producing a T result. The zero
// value is not usable; construct with NewTask or NewAction.
type Task[T any] struct {
	status atomic.Int32

	compute func(*TaskContext[T]) (T, error)

	result T
	err    error

	done chan struct{} // closed exactly once, on terminal transition

	pool   *Pool  // set on Fork/Submit
	worker *Worker // the worker that forked this task, if any (for deque affinity)
}

// NewTask constructs a result-bearing task from a compute function.
func NewTask[T any](compute func(*TaskContext[T]) (T, error)) *Task[T] {
	return &Task[T]{
		compute: compute,
		done:    make(chan struct{}),
	}
}

// NewAction constructs a result-less task (spec.md's RecursiveAction /
// async flavor): T is struct{} and compute returns only an error.
func NewAction(compute func(*TaskContext[struct{}]) error) *Task[struct{}] {
	return NewTask(func(c *TaskContext[struct{}]) (struct{}, error) {
		return struct{}{}, compute(c)
	})
}

// Fork pushes the task onto the calling worker's local deque (LIFO end) and
// advances the pool's event count, waking every idle worker parked on the
// event-waiters stack. Requires the
// caller to be running inside a worker (spec.md §4.3 fork()).
func (t *Task[T]) Fork() error {
	w := currentWorker()
	if w == nil {
		return ErrForkOutsideWorker
	}
	t.pool = w.pool
	t.worker = w
	w.deque.PushTop(Forkable(t))
	w.pool.signalWork()
	return nil
}

// Join blocks until the task completes, helping the joining worker make
// progress on other work in the meantime (spec.md §4.3 join()/§4.2
// helpJoinTask), and returns the result or propagates the recorded error.
func (t *Task[T]) Join() (T, error) {
	if t.IsDone() {
		return t.outcome()
	}
	w := currentWorker()
	if w != nil {
		w.helpJoinTask(t)
	} else if t.pool != nil {
		_ = t.pool.externalAwaitDone(t)
	} else {
		<-t.done
	}
	return t.outcome()
}

// Invoke is fork-followed-by-join, elided into a direct compute-and-check
// when possible (spec.md §4.3: "usually elided into a direct compute +
// check"). Inside a worker it simply runs compute on the calling goroutine
// instead of pushing and immediately popping its own deque; outside a
// worker with no pool ever having seen this task, it likewise runs
// synchronously since there is nothing to fork onto.
func (t *Task[T]) Invoke() (T, error) {
	if t.IsDone() {
		return t.outcome()
	}
	w := currentWorker()
	if w != nil || t.pool == nil {
		t.run(w)
		return t.outcome()
	}
	// Previously forked/submitted to a pool from elsewhere: join it there.
	return t.Join()
}

// Get is the future-style accessor: blocks via the pool's managed-block
// hook when called from a worker so parallelism may be compensated while
// waiting (spec.md §4.3 get()).
func (t *Task[T]) Get() (T, error) {
	return t.Join()
}

// GetWithTimeout blocks for at most d, returning ErrTimeout if the task has
// not completed by then.
func (t *Task[T]) GetWithTimeout(d time.Duration) (T, error) {
	if t.IsDone() {
		return t.outcome()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.outcome()
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Cancel attempts to atomically transition the task to CANCELLED; returns
// true iff this call observed the transition (spec.md §4.3 cancel()).
func (t *Task[T]) Cancel(mayInterrupt bool) bool {
	if !t.status.CompareAndSwap(stRunning, stCompleting) {
		return false
	}
	var zero T
	t.result = zero
	t.err = ErrTaskCancelled
	t.status.Store(stCancelled)
	close(t.done)
	return true
}

// IsDone reports whether the task has reached a terminal state.
func (t *Task[T]) IsDone() bool {
	s := t.status.Load()
	return s != stRunning && s != stCompleting
}

// IsCancelled reports whether the task's terminal state is CANCELLED.
func (t *Task[T]) IsCancelled() bool {
	return t.status.Load() == stCancelled
}

// complete records a successful (or erroring) outcome, transitioning to
// NORMAL or EXCEPTIONAL, and releases any waiters. No-op if the task is
// already terminal (e.g. was cancelled first).
func (t *Task[T]) complete(result T, err error) {
	if !t.status.CompareAndSwap(stRunning, stCompleting) {
		return
	}
	t.result = result
	t.err = err
	final := stNormal
	if err != nil {
		final = stExceptional
	}
	t.status.Store(final)
	close(t.done)
}

func (t *Task[T]) outcome() (T, error) {
	switch t.status.Load() {
	case stCancelled:
		var zero T
		return zero, ErrTaskCancelled
	default:
		return t.result, t.err
	}
}

// run executes compute, recovering panics into a TaskException, and records
// the outcome. w may be nil when invoked synchronously outside any pool. On
// an exceptional outcome observed while running inside a worker, the pool's
// UncaughtExceptionHandler is invoked unconditionally, not only when the
// caller never gets around to Join/Get, since by the time run returns there
// is no way to know whether it will be.
func (t *Task[T]) run(w *Worker) {
	if t.status.Load() != stRunning {
		return // already cancelled before it was ever picked up
	}
	ctx := &TaskContext[T]{task: t}
	if w != nil {
		ctx.pool = w.pool
		ctx.worker = w
	} else if t.pool != nil {
		ctx.pool = t.pool
	}

	result, err := t.safeCompute(ctx)
	t.complete(result, err)

	if err != nil && ctx.pool != nil {
		idx := -1
		if w != nil {
			idx = w.index
		}
		ctx.pool.config.UncaughtExceptionHandler(idx, err)
	}
}

func (t *Task[T]) safeCompute(ctx *TaskContext[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = &TaskException{Worker: workerIndex(ctx.worker), Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	result, err = t.compute(ctx)
	if err != nil {
		err = &TaskException{Worker: workerIndex(ctx.worker), Cause: err}
	}
	return result, err
}

// workerIndex reports w's index, or -1 if compute ran outside any worker.
func workerIndex(w *Worker) int {
	if w == nil {
		return -1
	}
	return w.index
}

// Done returns a channel closed when the task reaches a terminal state,
// letting callers compose it into a select alongside other events.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// awaitDone implements Forkable.awaitDone for the pool's externalAwaitDone
// path: it simply waits on the done channel, optionally bounded by a
// managed-block-compensated wait when called with a worker context, and
// returns the task's recorded error (nil on normal completion).
func (t *Task[T]) awaitDone(w *Worker) error {
	if w != nil {
		w.helpJoinTask(t)
	} else {
		<-t.done
	}
	_, err := t.outcome()
	return err
}

var _ Forkable = (*Task[int])(nil)
