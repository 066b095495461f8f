// Package handle maps long-lived native objects to opaque numeric handles the
// managed side can hold, share and drop but never inspect.
//
// Handles are keys into an arena, not addresses: ids are never reused, so a
// stale id resolves to UnknownHandle instead of a different object.
package handle

import (
	"fmt"
	"io"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

var logger = logging.New("handle")

// Releaser is implemented by objects that need deterministic cleanup when
// their last handle is dropped. io.Closer is honored as well.
type Releaser interface {
	Release()
}

type entry struct {
	object any
	refs   atomic.Int32
}

// Registry is safe for concurrent use.
type Registry struct {
	entries cmap.ConcurrentMap[wire.HandleID, *entry]
	next    atomic.Uint64
	metrics *metrics.Metrics
}

var _ api.HandleTable = (*Registry)(nil)

func shardHandle(id wire.HandleID) uint32 {
	// fibonacci hashing spreads sequential ids across shards
	return uint32((uint64(id) * 11400714819323198485) >> 32)
}

// New returns an empty registry. m may be nil.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		entries: cmap.NewWithCustomShardingFunction[wire.HandleID, *entry](shardHandle),
		metrics: metrics.OrNew(m),
	}
}

// Register wraps object and returns a fresh handle with a refcount of one.
func (r *Registry) Register(object any) wire.HandleID {
	id := wire.HandleID(r.next.Add(1))
	e := &entry{object: object}
	e.refs.Store(1)
	r.entries.Set(id, e)
	r.metrics.HandlesLive.Inc()
	return id
}

// Resolve returns the object behind id.
func (r *Registry) Resolve(id wire.HandleID) (any, error) {
	e, ok := r.entries.Get(id)
	if !ok || e.refs.Load() <= 0 {
		return nil, unknown(id)
	}
	return e.object, nil
}

// Share adds a reference to id and returns id.
func (r *Registry) Share(id wire.HandleID) (wire.HandleID, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return wire.InvalidHandle, unknown(id)
	}
	for {
		n := e.refs.Load()
		if n <= 0 {
			// the last drop won the race
			return wire.InvalidHandle, unknown(id)
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return id, nil
		}
	}
}

// Drop removes a reference to id. The object is released when the count
// reaches zero. Dropping an unknown or fully dropped id is reported, not fatal.
func (r *Registry) Drop(id wire.HandleID) error {
	var found bool
	var released *entry
	r.entries.RemoveCb(id, func(_ wire.HandleID, e *entry, exists bool) bool {
		if !exists {
			return false
		}
		found = true
		if e.refs.Add(-1) == 0 {
			released = e
			return true
		}
		return false
	})
	if !found {
		err := unknown(id)
		logger.Warnf("drop of handle %d refused: %v", id, err)
		return err
	}
	if released != nil {
		r.metrics.HandlesLive.Dec()
		release(id, released.object)
	}
	return nil
}

// RefCount returns the current refcount of id, or zero when id is unknown.
func (r *Registry) RefCount(id wire.HandleID) int32 {
	if e, ok := r.entries.Get(id); ok {
		return e.refs.Load()
	}
	return 0
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return r.entries.Count()
}

// Clear releases every object regardless of refcount and returns how many
// were released. Used on shutdown.
func (r *Registry) Clear() int {
	n := 0
	for _, id := range r.entries.Keys() {
		var released *entry
		r.entries.RemoveCb(id, func(_ wire.HandleID, e *entry, exists bool) bool {
			if exists {
				e.refs.Store(0)
				released = e
			}
			return exists
		})
		if released != nil {
			n++
			r.metrics.HandlesLive.Dec()
			release(id, released.object)
		}
	}
	return n
}

// ResolveAs resolves id and asserts the object's type.
func ResolveAs[T any](t api.HandleTable, id wire.HandleID) (T, error) {
	var zero T
	obj, err := t.Resolve(id)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, api.NewError(api.KindUnknownHandle, fmt.Sprintf("handle %d holds %T, want %T", id, obj, zero))
	}
	return v, nil
}

func unknown(id wire.HandleID) error {
	return api.NewError(api.KindUnknownHandle, fmt.Sprintf("handle %d", id))
}

func release(id wire.HandleID, object any) {
	switch o := object.(type) {
	case Releaser:
		o.Release()
	case io.Closer:
		if err := o.Close(); err != nil {
			logger.Warnf("close of handle %d object failed: %v", id, err)
		}
	}
}
