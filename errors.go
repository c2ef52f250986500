package forkjoin

import "errors"

// Sentinel errors surfaced across Pool, Task and Phaser operations. Callers
// should compare with errors.Is; wrapped context is added at each call site
// with fmt.Errorf("...: %w", ...).
var (
	// ErrPoolShutdown is returned by Submit/Execute/Invoke once the pool has
	// entered SHUTDOWN or a later runlevel.
	ErrPoolShutdown = errors.New("forkjoin: pool is shut down")

	// ErrTaskCancelled is surfaced by Join/Get when the task completed via
	// Cancel before producing a result.
	ErrTaskCancelled = errors.New("forkjoin: task was cancelled")

	// ErrForkOutsideWorker is returned by Fork when called from a
	// non-worker goroutine; only External submission is valid there.
	ErrForkOutsideWorker = errors.New("forkjoin: fork called outside a worker")

	// ErrPhaserTerminated is returned by Arrive-family calls on a
	// terminated phaser.
	ErrPhaserTerminated = errors.New("forkjoin: phaser is terminated")

	// ErrInvalidParallelism is raised by New when parallelism is out of
	// [1, MaxWorkers].
	ErrInvalidParallelism = errors.New("forkjoin: parallelism out of range")

	// ErrPartiesOverflow is raised by Register/BulkRegister when the
	// resulting party count would exceed MaxParties.
	ErrPartiesOverflow = errors.New("forkjoin: registered parties would exceed limit")

	// ErrDeregisterUnregistered is returned by Arrive and ArriveAndDeregister
	// when the phaser has no unarrived registered party left to arrive.
	ErrDeregisterUnregistered = errors.New("forkjoin: arrive on phaser with no registered parties")

	// ErrTimeout is returned by timed waits (Task.GetWithTimeout, Phaser's
	// AwaitAdvanceInterruptibly with a timeout) when the deadline expires
	// before the awaited condition holds.
	ErrTimeout = errors.New("forkjoin: timed out waiting")
)

// TaskException wraps the error returned (or panic recovered) from a task's
// compute function, distinguishing it from the sentinel errors above when a
// caller needs to unwrap the original cause.
type TaskException struct {
	Worker int
	Cause  error
}

func (e *TaskException) Error() string {
	return "forkjoin: task raised an exception: " + e.Cause.Error()
}

func (e *TaskException) Unwrap() error {
	return e.Cause
}
