// Package api defines public API contracts for plugin-bridge.
package api

// InitToken is returned by a successful Prepare.
type InitToken struct {
	// Generation counts successful Prepare calls in the process.
	Generation uint64
}

// Lifecycle defines the process-wide initialization gate.
type Lifecycle interface {
	// Prepare allocates shared state. It may be called once.
	Prepare() (InitToken, error)
	// Start spawns the worker logic, delivering its signals on port.
	Start(port int64) error
	// Stop terminates the worker logic and releases shared state.
	Stop() error
}
