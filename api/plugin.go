// Package api defines public API contracts for plugin-bridge.
package api

import (
	"context"

	"github.com/srediag/plugin-bridge/pkg/wire"
)

// Handler is the business logic invoked for one (target, operation, payload)
// request. The returned bytes become the response payload; a returned error
// becomes an error response of the error's kind.
type Handler func(ctx context.Context, req wire.Request) ([]byte, error)

// Middleware wraps a Handler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps outermost).
type Middleware func(next Handler) Handler

// HandleTable is the view of the opaque handle registry given to handlers and
// to the worker logic.
type HandleTable interface {
	Register(object any) wire.HandleID
	Resolve(id wire.HandleID) (any, error)
	Share(id wire.HandleID) (wire.HandleID, error)
	Drop(id wire.HandleID) error
}

// Runtime is what the long-running worker logic can reach.
type Runtime interface {
	// Emit pushes a signal to the managed side.
	Emit(sig wire.Signal)
	// Report pushes a diagnostic text signal.
	Report(message string)
	// Handles returns the process-wide handle table.
	Handles() HandleTable
}

// Logic is the long-running native worker. It should block until ctx is done.
// A non-nil error or a panic restarts it with backoff.
type Logic func(ctx context.Context, rt Runtime) error
