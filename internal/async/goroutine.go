package async

import (
	"context"
	"errors"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Fire runs fn in a goroutine with fire-and-log semantics: a returned error is
// logged and otherwise dropped, and context cancellation is not treated as a
// failure. Used for best-effort side calls whose outcome must never propagate.
func Fire(logger PanicLogger, name string, fn func() error) {
	go func() {
		defer Recover(logger, name)
		err := fn()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if logger != nil {
			logger.Warn("background call [%s] failed: %v", name, err)
		}
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
