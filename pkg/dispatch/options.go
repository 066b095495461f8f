package dispatch

import (
	"fmt"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/metrics"
)

const defaultPoolSize = 64

// Option configures a Dispatcher at construction.
type Option func(*builder)

type route struct {
	handler api.Handler
	sync    bool
}

type builder struct {
	routes     map[int32]route
	middleware []api.Middleware
	poolSize   int
	metrics    *metrics.Metrics
	errors     []error
}

func (b *builder) add(op int32, h api.Handler, sync bool) {
	if h == nil {
		b.errors = append(b.errors, fmt.Errorf("nil handler for operation %d", op))
		return
	}
	if _, exists := b.routes[op]; exists {
		b.errors = append(b.errors, fmt.Errorf("duplicate handler for operation %d", op))
		return
	}
	b.routes[op] = route{handler: h, sync: sync}
}

// WithHandler registers h for op on the asynchronous path.
func WithHandler(op int32, h api.Handler) Option {
	return func(b *builder) { b.add(op, h, false) }
}

// WithSyncHandler registers h for op as safe to run on the caller's
// goroutine. It is reachable from both Submit and SubmitSync.
func WithSyncHandler(op int32, h api.Handler) Option {
	return func(b *builder) { b.add(op, h, true) }
}

// WithMiddleware adds middleware to every handler. The first added wraps
// outermost.
func WithMiddleware(mw ...api.Middleware) Option {
	return func(b *builder) { b.middleware = append(b.middleware, mw...) }
}

// WithPoolSize sets how many handlers may run concurrently.
func WithPoolSize(n int) Option {
	return func(b *builder) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

// WithMetrics sets the collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *builder) { b.metrics = m }
}
