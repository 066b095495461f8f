// Package dispatch routes decoded requests to opcode handlers and turns their
// outcome into exactly one response per request.
//
// Asynchronous requests are appended to an unbounded backlog and a single
// drainer feeds them to a bounded ants worker pool, so submitting never waits
// for a free worker. Responses are delivered on the caller-chosen reply port.
// Handlers registered as sync-safe can also be invoked on the caller's
// goroutine through SubmitSync.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

var logger = logging.New("dispatch")

// Deliverer pushes a response onto a reply port. *port.Registry implements it.
type Deliverer interface {
	Deliver(portID int64, resp wire.Response) error
}

// Dispatcher is safe for concurrent use. Its handler table is fixed at New.
type Dispatcher struct {
	routes   map[int32]route
	pool     *ants.Pool
	backlog  *queuepkg.Queue
	drained  chan struct{}
	out      Deliverer
	handles  api.HandleTable
	metrics  *metrics.Metrics
	inFlight atomic.Int64
	closed   atomic.Bool
}

// New builds a dispatcher delivering responses through out. handles may be
// nil when no handler needs the handle table.
func New(out Deliverer, handles api.HandleTable, opts ...Option) (*Dispatcher, error) {
	b := &builder{
		routes:   make(map[int32]route),
		poolSize: defaultPoolSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	routes := make(map[int32]route, len(b.routes))
	for op, r := range b.routes {
		h := r.handler
		for i := len(b.middleware) - 1; i >= 0; i-- {
			h = b.middleware[i](h)
		}
		routes[op] = route{handler: h, sync: r.sync}
	}

	pool, err := ants.NewPool(b.poolSize,
		ants.WithPanicHandler(func(p any) {
			logger.Errorf("worker pool task panicked: %v\n%s", p, debug.Stack())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	d := &Dispatcher{
		routes:  routes,
		pool:    pool,
		backlog: queuepkg.New(int64(b.poolSize)),
		drained: make(chan struct{}),
		out:     out,
		handles: handles,
		metrics: metrics.OrNew(b.metrics),
	}
	go d.drain()
	return d, nil
}

// job is an accepted request waiting for a worker.
type job struct {
	id        int32
	replyPort int64
	handler   api.Handler
	req       wire.Request
}

// Submit accepts env for asynchronous handling and returns once it is
// enqueued; it never waits for a free worker. Exactly one response with env's
// correlation id is delivered on replyPort, including for unknown operations
// and rejected requests. The returned error reports a request that could not
// be enqueued; its error response has already been delivered.
func (d *Dispatcher) Submit(env wire.RequestEnvelope, replyPort int64) error {
	d.metrics.RequestsSubmitted.WithLabelValues("async").Inc()
	id := env.CorrelationID
	op := env.Request.Operation

	if d.closed.Load() {
		err := api.NewError(api.KindChannelClosed, "dispatcher is closed")
		d.deliver(replyPort, failure(id, err))
		return err
	}
	r, ok := d.routes[op]
	if !ok {
		d.deliver(replyPort, failure(id, unknownOperation(op)))
		return nil
	}

	d.inFlight.Add(1)
	d.metrics.RequestsInFlight.Inc()
	j := job{id: id, replyPort: replyPort, handler: r.handler, req: env.Request}
	if err := d.backlog.Put(j); err != nil {
		werr := api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("operation %d not scheduled", op))
		d.reject(j, werr)
		return werr
	}
	return nil
}

// drain moves jobs from the backlog into the pool, blocking on the pool
// instead of the submitter. It exits once the backlog is disposed.
func (d *Dispatcher) drain() {
	defer close(d.drained)
	for {
		items, err := d.backlog.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			j := item.(job)
			if err := d.pool.Submit(func() { d.run(j) }); err != nil {
				d.reject(j, api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("operation %d not scheduled", j.req.Operation)))
			}
		}
	}
}

func (d *Dispatcher) run(j job) {
	defer d.finish()
	ctx := withRequest(context.Background(), j.id, j.replyPort, d.handles, false)
	d.deliver(j.replyPort, d.invoke(ctx, j.handler, j.id, j.req))
}

// reject answers an accepted job that will never run.
func (d *Dispatcher) reject(j job, err error) {
	d.finish()
	d.deliver(j.replyPort, failure(j.id, err))
}

// SubmitSync runs a sync-safe handler on the calling goroutine and returns its
// response. The response carries correlation id 0.
func (d *Dispatcher) SubmitSync(req wire.Request) wire.Response {
	d.metrics.RequestsSubmitted.WithLabelValues("sync").Inc()
	r, ok := d.routes[req.Operation]
	if !ok || !r.sync {
		resp := failure(0, unknownOperation(req.Operation))
		d.count(resp)
		return resp
	}
	ctx := withRequest(context.Background(), 0, 0, d.handles, true)
	resp := d.invoke(ctx, r.handler, 0, req)
	d.count(resp)
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, h api.Handler, id int32, req wire.Request) (resp wire.Response) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("operation %d panicked: %v\n%s", req.Operation, p, debug.Stack())
			resp = wire.Failure(id, string(api.KindHandlerFailure), fmt.Sprintf("handler panicked: %v", p))
		}
	}()
	payload, err := h(ctx, req)
	if err != nil {
		return failure(id, err)
	}
	return wire.Success(id, payload)
}

func (d *Dispatcher) deliver(replyPort int64, resp wire.Response) {
	d.count(resp)
	if err := d.out.Deliver(replyPort, resp); err != nil {
		logger.Warnf("response %d lost: %v", resp.CorrelationID, err)
	}
}

func (d *Dispatcher) count(resp wire.Response) {
	status := "ok"
	if !resp.OK() {
		status = "fault"
	}
	d.metrics.ResponsesDelivered.WithLabelValues(status).Inc()
}

func (d *Dispatcher) finish() {
	d.inFlight.Add(-1)
	d.metrics.RequestsInFlight.Dec()
}

// Has reports whether op has a handler.
func (d *Dispatcher) Has(op int32) bool {
	_, ok := d.routes[op]
	return ok
}

// Operations returns the registered opcodes in ascending order.
func (d *Dispatcher) Operations() []int32 {
	ops := make([]int32, 0, len(d.routes))
	for op := range d.routes {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// InFlight returns the number of accepted asynchronous requests not yet
// answered.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Backlog returns the number of accepted requests still waiting for a worker.
func (d *Dispatcher) Backlog() int64 {
	return d.backlog.Len()
}

// Close stops accepting requests and waits up to timeout for the backlog and
// running handlers. Requests still queued at the deadline are answered with
// ChannelClosed.
func (d *Dispatcher) Close(timeout time.Duration) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for !d.backlog.Empty() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for _, item := range d.backlog.Dispose() {
		d.reject(item.(job), api.NewError(api.KindChannelClosed, "dispatcher closed before the request ran"))
	}

	remaining := time.Until(deadline)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	err := d.pool.ReleaseTimeout(remaining)
	<-d.drained
	if err != nil {
		return fmt.Errorf("drain worker pool (%d in flight): %w", d.InFlight(), err)
	}
	return nil
}

func failure(id int32, err error) wire.Response {
	return wire.Response{CorrelationID: id, Fault: api.FaultOf(err)}
}

func unknownOperation(op int32) error {
	return api.NewError(api.KindUnknownOperation, fmt.Sprintf("no handler for operation %d", op))
}
