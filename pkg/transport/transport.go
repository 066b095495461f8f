// Package transport provides in-process implementations of the managed-side
// message channel, for tests, examples and hosts embedding the bridge without
// a UI runtime.
package transport

import (
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-bridge/api"
)

const defaultPortBuffer = 256

// Loopback is an api.Messenger whose ports are Go channels.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]api.MethodHandler
	ports    cmap.ConcurrentMap[int64, *Port]
	buffer   int
}

var _ api.Messenger = (*Loopback)(nil)

// NewLoopback returns a messenger whose ports buffer up to buffer messages
// before Post blocks. A buffer <= 0 uses a default.
func NewLoopback(buffer int) *Loopback {
	if buffer <= 0 {
		buffer = defaultPortBuffer
	}
	return &Loopback{
		handlers: make(map[string]api.MethodHandler),
		ports: cmap.NewWithCustomShardingFunction[int64, *Port](func(id int64) uint32 {
			return uint32(uint64(id) ^ uint64(id)>>32)
		}),
		buffer: buffer,
	}
}

// SetMethodHandler installs h for channel, replacing any previous handler.
func (l *Loopback) SetMethodHandler(channel string, h api.MethodHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.handlers, channel)
		return
	}
	l.handlers[channel] = h
}

// Invoke calls method on channel the way the managed side would.
func (l *Loopback) Invoke(channel, method string, args []byte) ([]byte, error) {
	l.mu.RLock()
	h, ok := l.handlers[channel]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler on channel %q", channel)
	}
	return h(method, args)
}

// OpenPort returns the sink side of port portID, creating it if needed.
func (l *Loopback) OpenPort(portID int64) (api.Sink, error) {
	p := l.Port(portID)
	if p.IsClosed() {
		return nil, api.NewError(api.KindChannelClosed, fmt.Sprintf("port %d receiver closed", portID))
	}
	return p, nil
}

// Port returns the receiving side of portID, creating it if needed.
func (l *Loopback) Port(portID int64) *Port {
	return l.ports.Upsert(portID, nil, func(exist bool, existing, _ *Port) *Port {
		if exist {
			return existing
		}
		return &Port{id: portID, ch: make(chan []byte, l.buffer), done: make(chan struct{})}
	})
}

// Port is one managed-side receive channel.
type Port struct {
	id   int64
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Post delivers message, blocking while the buffer is full. It fails with
// ChannelClosed once the receiver has closed the port.
func (p *Port) Post(message []byte) error {
	select {
	case <-p.done:
		return api.NewError(api.KindChannelClosed, fmt.Sprintf("port %d closed", p.id))
	default:
	}
	select {
	case p.ch <- message:
		return nil
	case <-p.done:
		return api.NewError(api.KindChannelClosed, fmt.Sprintf("port %d closed", p.id))
	}
}

// C returns the channel messages arrive on.
func (p *Port) C() <-chan []byte { return p.ch }

// ID returns the port id.
func (p *Port) ID() int64 { return p.id }

// Close marks the receiver gone. Later posts fail.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}

// IsClosed reports whether Close was called.
func (p *Port) IsClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
