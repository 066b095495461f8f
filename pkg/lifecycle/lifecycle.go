// Package lifecycle gates the process-wide bridge state: it allocates the
// registries, the signal stream and the dispatcher on Prepare, and runs the
// long-running worker logic from Start until Stop.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/dispatch"
	"github.com/srediag/plugin-bridge/pkg/handle"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/port"
	"github.com/srediag/plugin-bridge/pkg/signal"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

var logger = logging.New("lifecycle")

// SinkOpener resolves a managed-side port id to a delivery sink.
// api.Messenger implements it.
type SinkOpener interface {
	OpenPort(portID int64) (api.Sink, error)
}

// shared is everything Prepare allocates.
type shared struct {
	handles    *handle.Registry
	ports      *port.Registry
	stream     *signal.Stream
	dispatcher *dispatch.Dispatcher
}

// Coordinator implements api.Lifecycle.
type Coordinator struct {
	cfg      *Config
	sinks    SinkOpener
	logic    api.Logic
	handlers []dispatch.Option
	metrics  *metrics.Metrics

	mu         sync.Mutex
	state      atomic.Pointer[shared]
	generation uint64
	homePort   int64
	started    atomic.Bool
	worker     *worker
	restarts   atomic.Uint64
}

var _ api.Lifecycle = (*Coordinator)(nil)

// New returns an unprepared coordinator. A nil config uses DefaultConfig.
// logic may be nil, in which case Start only opens the port. handlers
// register the dispatcher's opcodes.
func New(config *Config, sinks SinkOpener, logic api.Logic, handlers ...dispatch.Option) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if sinks == nil {
		return nil, fmt.Errorf("sink opener is nil")
	}
	return &Coordinator{
		cfg:      config,
		sinks:    sinks,
		logic:    logic,
		handlers: handlers,
		metrics:  metrics.New(config.Registerer),
	}, nil
}

// Prepare allocates the shared state. It fails with AlreadyInitialized while
// a previous Prepare has not been undone by Stop.
func (c *Coordinator) Prepare() (api.InitToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != nil {
		return api.InitToken{}, api.NewError(api.KindAlreadyInitialized,
			fmt.Sprintf("channels already prepared (generation %d)", c.generation))
	}

	handles := handle.New(c.metrics)
	ports := port.New(port.Config{
		QueueCap:    c.cfg.PortQueueCap,
		RetryWindow: c.cfg.DeliveryRetryWindow,
	}, c.metrics)
	opts := append([]dispatch.Option{
		dispatch.WithPoolSize(c.cfg.WorkerPoolSize),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithMiddleware(c.cfg.Middleware...),
	}, c.handlers...)
	d, err := dispatch.New(ports, handles, opts...)
	if err != nil {
		return api.InitToken{}, fmt.Errorf("build dispatcher: %w", err)
	}

	c.state.Store(&shared{
		handles:    handles,
		ports:      ports,
		stream:     signal.New(ports, c.cfg.SignalBufferBound, c.metrics),
		dispatcher: d,
	})
	c.generation++
	logger.Infof("channels prepared, generation %d, %d operations", c.generation, len(d.Operations()))
	return api.InitToken{Generation: c.generation}, nil
}

// Start opens portID as the worker's response port and spawns the worker
// logic. Starting while the worker runs restarts it.
func (c *Coordinator) Start(portID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state.Load()
	if st == nil {
		return api.NewError(api.KindNotPrepared, "startLogic called before prepareChannels")
	}
	if err := c.openLocked(st, portID, port.KindResponse); err != nil {
		return err
	}
	if c.worker != nil {
		logger.Infof("worker running, restarting for port %d", portID)
		c.stopWorkerLocked()
	}
	c.homePort = portID
	if c.logic != nil {
		c.worker = c.spawn(st)
	}
	c.started.Store(true)
	return nil
}

// StartStream opens portID as the signal port and flushes buffered signals
// onto it.
func (c *Coordinator) StartStream(portID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state.Load()
	if st == nil {
		return api.NewError(api.KindNotPrepared, "startStream called before prepareChannels")
	}
	if p, ok := st.stream.Port(); ok && p != portID {
		return api.NewError(api.KindDuplicatePort, fmt.Sprintf("signal stream already on port %d", p))
	}
	if err := c.openLocked(st, portID, port.KindSignal); err != nil {
		return err
	}
	return st.stream.Start(portID)
}

// OpenResponsePort opens portID for asynchronous responses.
func (c *Coordinator) OpenResponsePort(portID int64) error {
	st := c.mustState()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(st, portID, port.KindResponse)
}

func (c *Coordinator) openLocked(st *shared, portID int64, kind port.Kind) error {
	if open, ok := st.ports.KindOf(portID); ok && open == kind && st.ports.IsOpen(portID) {
		return nil
	}
	sink, err := c.sinks.OpenPort(portID)
	if err != nil {
		return api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("resolve port %d", portID))
	}
	return st.ports.Open(portID, kind, sink)
}

// Submit hands env to the dispatcher. The response arrives on replyPort.
// It fails with NotPrepared until Start has run.
func (c *Coordinator) Submit(env wire.RequestEnvelope, replyPort int64) error {
	st := c.mustState()
	if !c.started.Load() {
		return api.NewError(api.KindNotPrepared,
			fmt.Sprintf("submit of correlation %d before startLogic", env.CorrelationID))
	}
	return st.dispatcher.Submit(env, replyPort)
}

// SubmitSync runs a sync-safe operation on the calling goroutine.
func (c *Coordinator) SubmitSync(req wire.Request) wire.Response {
	return c.mustState().dispatcher.SubmitSync(req)
}

// Emit pushes a signal, buffering it until the stream starts.
func (c *Coordinator) Emit(sig wire.Signal) {
	c.mustState().stream.Emit(sig)
}

// Handles returns the handle table.
func (c *Coordinator) Handles() api.HandleTable {
	return c.mustState().handles
}

// Stop terminates the worker, drains the dispatcher, closes every port and
// releases every handle. A later Prepare starts a new generation.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state.Load()
	if st == nil {
		return api.NewError(api.KindNotPrepared, "stopLogic called before prepareChannels")
	}
	c.stopWorkerLocked()
	c.started.Store(false)

	var err error
	if derr := st.dispatcher.Close(c.cfg.DrainTimeout); derr != nil {
		logger.Warnf("dispatcher drain: %v", derr)
		err = derr
	}
	st.ports.Shutdown(c.cfg.DrainTimeout)
	released := st.handles.Clear()
	c.state.Store(nil)
	logger.Infof("generation %d stopped, %d handles released", c.generation, released)
	return err
}

// mustState returns the prepared state or panics with NotPrepared.
func (c *Coordinator) mustState() *shared {
	st := c.state.Load()
	if st == nil {
		panic(api.NewError(api.KindNotPrepared, "dispatcher used before prepareChannels"))
	}
	return st
}

// Status is a point-in-time view for health checks.
type Status struct {
	Prepared      bool
	Started       bool
	Streaming     bool
	HasLogic      bool
	WorkerRunning bool
	Generation    uint64
	HomePort      int64
	SignalPort    int64
	WorkerThread  int
	Restarts      uint64
	InFlight      int64
	Backlog       int64
	Handles       int
	SignalsQueued int
	SignalsLost   uint64
}

// Status reports the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Generation: c.generation,
		Started:    c.started.Load(),
		HasLogic:   c.logic != nil,
		HomePort:   c.homePort,
		Restarts:   c.restarts.Load(),
	}
	if w := c.worker; w != nil {
		s.WorkerRunning = w.running()
		s.WorkerThread = int(w.threadID.Load())
	}
	st := c.state.Load()
	if st == nil {
		return s
	}
	s.Prepared = true
	s.SignalPort, s.Streaming = st.stream.Port()
	s.InFlight = st.dispatcher.InFlight()
	s.Backlog = st.dispatcher.Backlog()
	s.Handles = st.handles.Len()
	s.SignalsQueued = st.stream.Pending()
	s.SignalsLost = st.stream.Dropped()
	return s
}

// Metrics returns the collectors the coordinator updates.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}
