package dispatch

import (
	"context"
	"time"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

// Logging logs every handled request at debug level and failures at warn.
func Logging() api.Middleware {
	return func(next api.Handler) api.Handler {
		return func(ctx context.Context, req wire.Request) ([]byte, error) {
			start := time.Now()
			id, _ := CorrelationID(ctx)
			out, err := next(ctx, req)
			if err != nil {
				logger.Warnf("operation %d on %s (correlation %d) failed after %s: %v",
					req.Operation, req.Target, id, time.Since(start), err)
				return out, err
			}
			logger.Debugf("operation %d on %s (correlation %d) done in %s, %d bytes",
				req.Operation, req.Target, id, time.Since(start), len(out))
			return out, nil
		}
	}
}

// ResolveTarget fails requests addressed to a handle the table does not know
// before the handler runs.
func ResolveTarget() api.Middleware {
	return func(next api.Handler) api.Handler {
		return func(ctx context.Context, req wire.Request) ([]byte, error) {
			if req.Target.Kind == wire.TargetHandle {
				if table, ok := HandlesFrom(ctx); ok {
					if _, err := table.Resolve(req.Target.Handle); err != nil {
						return nil, err
					}
				}
			}
			return next(ctx, req)
		}
	}
}
