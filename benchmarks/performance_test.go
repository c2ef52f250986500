package benchmarks

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-foundations/forkjoin"
)

// BenchmarkParallelism sweeps pool parallelism the way the teacher's
// BenchmarkWorkerCounts swept NumWorkers, submitting a fixed batch of
// uppercase-transform tasks through InvokeAll at each level.
func BenchmarkParallelism(b *testing.B) {
	for _, p := range []int{1, 2, 4, 8, 16} {
		b.Run(fmt.Sprintf("Parallelism_%d", p), func(b *testing.B) {
			pool, err := forkjoin.New(forkjoin.WithParallelism(p))
			if err != nil {
				b.Fatal(err)
			}
			defer pool.ShutdownNow()

			tasks := makeUppercaseTasks(100)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := pool.InvokeAll(toForkable(tasks)...); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkTaskCounts sweeps batch size the way the teacher's
// BenchmarkJobSizes swept BufferSize.
func BenchmarkTaskCounts(b *testing.B) {
	for _, n := range []int{10, 100, 1000, 10000} {
		b.Run(fmt.Sprintf("Tasks_%d", n), func(b *testing.B) {
			pool, err := forkjoin.New(forkjoin.WithParallelism(4))
			if err != nil {
				b.Fatal(err)
			}
			defer pool.ShutdownNow()

			tasks := makeUppercaseTasks(n)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := pool.InvokeAll(toForkable(tasks)...); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkAsyncMode compares locally-FIFO (AsyncMode) against the default
// locally-LIFO deque discipline under the same task batch.
func BenchmarkAsyncMode(b *testing.B) {
	for _, async := range []bool{false, true} {
		b.Run(fmt.Sprintf("Async_%v", async), func(b *testing.B) {
			pool, err := forkjoin.New(
				forkjoin.WithParallelism(4),
				forkjoin.WithAsyncMode(async),
			)
			if err != nil {
				b.Fatal(err)
			}
			defer pool.ShutdownNow()

			tasks := makeUppercaseTasks(100)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := pool.InvokeAll(toForkable(tasks)...); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkFibonacci exercises the recursive fork/join path (deep task
// trees, lots of stealing) rather than the flat batch-submission path above.
func BenchmarkFibonacci(b *testing.B) {
	for _, n := range []int{10, 15, 20} {
		b.Run(fmt.Sprintf("Fib_%d", n), func(b *testing.B) {
			pool, err := forkjoin.New(forkjoin.WithParallelism(4))
			if err != nil {
				b.Fatal(err)
			}
			defer pool.ShutdownNow()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				t := fib(n)
				if err := pool.Invoke(t); err != nil {
					b.Fatal(err)
				}
				if _, err := t.Join(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func fib(n int) *forkjoin.Task[int] {
	return forkjoin.NewTask(func(ctx *forkjoin.TaskContext[int]) (int, error) {
		if n < 2 {
			return n, nil
		}
		left := fib(n - 1)
		if err := left.Fork(); err != nil {
			return 0, err
		}
		right, err := fib(n - 2).Invoke()
		if err != nil {
			return 0, err
		}
		leftVal, err := left.Join()
		if err != nil {
			return 0, err
		}
		return leftVal + right, nil
	})
}

func makeUppercaseTasks(n int) []*forkjoin.Task[string] {
	tasks := make([]*forkjoin.Task[string], n)
	for i := 0; i < n; i++ {
		data := fmt.Sprintf("data_%d", i)
		tasks[i] = forkjoin.NewTask(func(ctx *forkjoin.TaskContext[string]) (string, error) {
			return strings.ToUpper(data), nil
		})
	}
	return tasks
}

func toForkable(tasks []*forkjoin.Task[string]) []forkjoin.Forkable {
	out := make([]forkjoin.Forkable, len(tasks))
	for i, t := range tasks {
		out[i] = t
	}
	return out
}
