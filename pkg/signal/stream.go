// Package signal pushes native-originated notifications to the managed side
// without a corresponding request.
//
// Signals emitted before the managed side subscribes are held in a bounded
// buffer and flushed, in order, when the stream starts. On overflow the oldest
// buffered signal is discarded and counted.
package signal

import (
	"fmt"
	"sync"
	"sync/atomic"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

// DefaultBufferBound is how many signals are held before a stream starts.
const DefaultBufferBound = 1024

var logger = logging.New("signal")

// State of a Stream. The only transition is Uninitialized to Streaming.
type State int32

const (
	Uninitialized State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "uninitialized"
}

// Publisher delivers a signal onto a port. *port.Registry implements it.
type Publisher interface {
	Publish(portID int64, sig wire.Signal) error
}

// Stream is safe for concurrent use. Emission order is delivery order.
type Stream struct {
	mu      sync.Mutex
	state   State
	portID  int64
	pub     Publisher
	pending *queuepkg.Queue
	bound   int64
	dropped atomic.Uint64
	metrics *metrics.Metrics
}

// New returns an unstarted stream publishing through pub. A bound <= 0 uses
// DefaultBufferBound. m may be nil.
func New(pub Publisher, bound int, m *metrics.Metrics) *Stream {
	if bound <= 0 {
		bound = DefaultBufferBound
	}
	return &Stream{
		pub:     pub,
		pending: queuepkg.New(int64(bound)),
		bound:   int64(bound),
		metrics: metrics.OrNew(m),
	}
}

// Start attaches the stream to portID and flushes buffered signals.
// Starting again on the same port is a no-op; on another port it fails with
// DuplicatePort.
func (s *Stream) Start(portID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		if s.portID == portID {
			return nil
		}
		return api.NewError(api.KindDuplicatePort,
			fmt.Sprintf("signal stream already started on port %d", s.portID))
	}
	s.state = Streaming
	s.portID = portID

	var buffered []interface{}
	if n := s.pending.Len(); n > 0 {
		buffered, _ = s.pending.Get(n)
	}
	s.pending.Dispose()
	for _, item := range buffered {
		s.publishLocked(item.(wire.Signal))
	}
	logger.Debugf("signal stream started on port %d, flushed %d", portID, len(buffered))
	return nil
}

// Emit enqueues sig. It never fails: before Start the signal is buffered,
// afterwards delivery problems are logged by the port registry.
func (s *Stream) Emit(sig wire.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.SignalsEmitted.Inc()
	if s.state == Streaming {
		s.publishLocked(sig)
		return
	}
	for s.pending.Len() >= s.bound {
		if _, err := s.pending.Get(1); err != nil {
			break
		}
		s.dropped.Add(1)
		s.metrics.SignalsDropped.Inc()
	}
	_ = s.pending.Put(sig)
}

// Report emits message as a diagnostic signal.
func (s *Stream) Report(message string) {
	s.Emit(wire.Signal{MessageID: wire.ReportMessageID, Payload: wire.NewByteBuffer([]byte(message))})
}

func (s *Stream) publishLocked(sig wire.Signal) {
	_ = s.pub.Publish(s.portID, sig)
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the port the stream is attached to, if started.
func (s *Stream) Port() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portID, s.state == Streaming
}

// Dropped returns how many buffered signals were discarded on overflow.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Pending returns how many signals wait for Start.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		return 0
	}
	return int(s.pending.Len())
}
