// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged under
// name instead of crashing the process. Use it for every fire-and-forget goroutine
// (deployment runs, background jobs).
func Go(name string, fn func()) {
	GoRecover(name, fn, nil)
}

// GoRecover is Go with a hook that receives the recovered value, so owners of
// long-running work can move their state to a terminal failure.
func GoRecover(name string, fn func(), onPanic func(recovered interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"task", name, "panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
