package forkjoin

import "go.uber.org/zap"

// newNopLogger returns the default, cost-free logger used until a caller
// supplies one via WithLogger.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}
