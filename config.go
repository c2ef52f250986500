package forkjoin

import (
	"time"

	"go.uber.org/zap"
)

// MaxWorkers bounds the pool's worker array capacity (spec resource bound:
// MAX_WORKERS).
const MaxWorkers = 32767

// DefaultParallelism mirrors the teacher's DefaultConfig NumWorkers choice
// of a small, always-reasonable constant rather than reading NumCPU, so
// pool behavior in tests is independent of the machine running them.
const DefaultParallelism = 4

// Config holds construction-time settings for a Pool. Build one with
// DefaultConfig and the With* option functions, or pass Option values
// directly to New.
type Config struct {
	// Parallelism is the target concurrency level; immutable after
	// construction (spec.md §3 Pool Controller invariant).
	Parallelism int

	// AsyncMode selects owner-side FIFO polling (PollTop) instead of the
	// default LIFO PopTop; corresponds to the spec's locallyFifo flag.
	AsyncMode bool

	// Logger receives structured lifecycle/diagnostic events. Defaults to
	// a no-op logger.
	Logger *zap.Logger

	// UncaughtExceptionHandler is invoked whenever a task running inside a
	// worker completes exceptionally (panic or returned error), so a
	// forked-and-abandoned task's failure is never silently lost even if no
	// caller ever calls Join/Get on it. Defaults to a handler that only
	// logs.
	UncaughtExceptionHandler func(worker int, err error)

	// MaxWorkers caps the worker array; defaults to MaxWorkers.
	MaxWorkers int

	// IdleSpareTrim is how long a suspended spare worker waits before it
	// retires permanently instead of remaining resumable (spec.md §8
	// scenario 6: "excess workers retire ... within the unused-spare trim
	// interval").
	IdleSpareTrim time.Duration
}

// DefaultConfig returns sensible defaults, mirroring the teacher's
// DefaultConfig() but for fork/join pools.
func DefaultConfig() Config {
	return Config{
		Parallelism:   DefaultParallelism,
		AsyncMode:     false,
		Logger:        newNopLogger(),
		MaxWorkers:    MaxWorkers,
		IdleSpareTrim: 2 * time.Second,
	}
}

// Option mutates a Config; passed to New in the functional-options idiom
// used throughout the pack (e.g. logiface's builder chain).
type Option func(*Config)

func WithParallelism(n int) Option {
	return func(c *Config) { c.Parallelism = n }
}

func WithAsyncMode(async bool) Option {
	return func(c *Config) { c.AsyncMode = async }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithUncaughtExceptionHandler(h func(worker int, err error)) Option {
	return func(c *Config) { c.UncaughtExceptionHandler = h }
}

func WithMaxWorkers(n int) Option {
	return func(c *Config) { c.MaxWorkers = n }
}

func WithIdleSpareTrim(d time.Duration) Option {
	return func(c *Config) { c.IdleSpareTrim = d }
}
