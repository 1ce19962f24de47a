// Package assert enforces the core's invariants. Per spec.md section 7,
// almost every invariant violation indicates a logic bug, not a recoverable
// condition: the core is designed to stop the process rather than limp on
// with corrupted state.
package assert

import (
	"fmt"

	"go.uber.org/zap"
)

// Invariant panics with msg if cond is false, first logging a structured
// error-level record through logger (which may be nil in tests that
// don't care about the log line, e.g. a zap.NewNop()).
func Invariant(logger *zap.Logger, cond bool, msg string, fields ...zap.Field) {
	if cond {
		return
	}
	if logger != nil {
		logger.Error("invariant violated: "+msg, fields...)
	}
	panic(fmt.Sprintf("pagecache: invariant violated: %s", msg))
}

// Fatal unconditionally panics after logging, used on paths spec.md section 7
// calls fatal outright (e.g. a write transaction destroyed without commit).
func Fatal(logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger != nil {
		logger.Error("fatal: "+msg, fields...)
	}
	panic(fmt.Sprintf("pagecache: fatal: %s", msg))
}
