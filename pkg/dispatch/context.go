package dispatch

import (
	"context"

	"github.com/srediag/plugin-bridge/api"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	replyPortKey
	handlesKey
	syncKey
)

func withRequest(ctx context.Context, correlationID int32, replyPort int64, handles api.HandleTable, sync bool) context.Context {
	ctx = context.WithValue(ctx, correlationKey, correlationID)
	ctx = context.WithValue(ctx, replyPortKey, replyPort)
	ctx = context.WithValue(ctx, syncKey, sync)
	if handles != nil {
		ctx = context.WithValue(ctx, handlesKey, handles)
	}
	return ctx
}

// CorrelationID returns the id of the request being handled. Synchronous
// requests carry no id.
func CorrelationID(ctx context.Context) (int32, bool) {
	id, ok := ctx.Value(correlationKey).(int32)
	return id, ok && !IsSync(ctx)
}

// ReplyPort returns the port the response will be delivered on.
func ReplyPort(ctx context.Context) (int64, bool) {
	p, ok := ctx.Value(replyPortKey).(int64)
	return p, ok && !IsSync(ctx)
}

// HandlesFrom returns the handle table visible to handlers.
func HandlesFrom(ctx context.Context) (api.HandleTable, bool) {
	h, ok := ctx.Value(handlesKey).(api.HandleTable)
	return h, ok
}

// IsSync reports whether the handler runs on the caller's goroutine.
func IsSync(ctx context.Context) bool {
	s, _ := ctx.Value(syncKey).(bool)
	return s
}
