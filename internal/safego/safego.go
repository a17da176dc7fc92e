// Package safego launches background goroutines that cannot take the process down.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic
func Go(fn func()) {
	GoNamed("background", fn)
}

// GoNamed is Go with a task name attached to the panic log record, so that
// long-lived loops such as the storage health prober can be told apart.
func GoNamed(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
