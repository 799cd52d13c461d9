// Package recovery guards long-lived goroutines against crashing the process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the given logger.
// Defer it at the top of any goroutine that must not take the process down
// with it — the event-loop goroutines of a Supervisor in particular.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it, and invokes callback
// with the recovered value so callers can fold a panic into their own error
// handling (e.g. marking a stream reset) instead of losing it silently.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverNoop silently recovers from panics without logging.
func RecoverNoop() {
	recover()
}

func logPanic(logger *slog.Logger, name string, recovered interface{}) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", recovered),
		"stack", string(debug.Stack()))
}
