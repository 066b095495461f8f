// Package api defines public API contracts for plugin-bridge.
package api

// Sink is a managed-side delivery channel behind a port id.
// Post returns an error matching ErrChannelClosed once the receiver is gone.
type Sink interface {
	Post(message []byte) error
}

// MethodHandler answers invoke(method, args) calls on a named channel.
type MethodHandler func(method string, args []byte) ([]byte, error)

// Messenger is the UI runtime's message channel as seen by the native core.
type Messenger interface {
	// SetMethodHandler installs the call/response handler for channel.
	SetMethodHandler(channel string, handler MethodHandler)
	// OpenPort resolves a managed-side port id to a Sink.
	OpenPort(portID int64) (Sink, error)
}
