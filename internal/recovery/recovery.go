// Package recovery keeps a panic in a driver goroutine or an application
// callback from taking the whole station down.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/steamlink/internal/logging"
)

// ErrPanic is returned by Call when fn panicked.
var ErrPanic = errors.New("panic recovered")

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use it with defer at the start of goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "radio.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, component string) {
	if r := recover(); r != nil {
		logPanic(logger, component, r)
	}
}

// Call runs fn and converts a panic into an ErrPanic error.
func Call(logger *slog.Logger, component string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, component, r)
			err = fmt.Errorf("%w in %s: %v", ErrPanic, component, r)
		}
	}()
	fn()
	return nil
}

func logPanic(logger *slog.Logger, component string, r any) {
	logging.OrNop(logger).Error("panic recovered",
		logging.KeyComponent, component,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
