/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package port tracks the managed-side delivery channels that asynchronous
// responses and signals are pushed onto.
package port

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

var logger = logging.New("port")

const (
	defaultQueueCap    = 1024
	defaultRetryWindow = 50 * time.Millisecond
)

var errPortFull = errors.New("port queue full")

// Kind separates response ports from signal ports.
type Kind uint8

const (
	KindResponse Kind = iota
	KindSignal
)

func (k Kind) String() string {
	if k == KindSignal {
		return "signal"
	}
	return "response"
}

// Config tunes per-port queues.
type Config struct {
	// QueueCap bounds each port's pending messages.
	QueueCap uint64
	// RetryWindow is how long an enqueue onto a full port is retried before
	// the message is dropped.
	RetryWindow time.Duration
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg     Config
	ports   cmap.ConcurrentMap[int64, *port]
	closed  cmap.ConcurrentMap[int64, Kind]
	openMu  sync.Mutex // orders Open against Close
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func shardPort(id int64) uint32 {
	return uint32(uint64(id) ^ uint64(id)>>32)
}

// New returns an empty registry. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Registry {
	if cfg.QueueCap == 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaultRetryWindow
	}
	return &Registry{
		cfg:     cfg,
		ports:   cmap.NewWithCustomShardingFunction[int64, *port](shardPort),
		closed:  cmap.NewWithCustomShardingFunction[int64, Kind](shardPort),
		metrics: metrics.OrNew(m),
	}
}

// Open registers sink as port portID of the given kind.
// Opening an already open port with the same kind is a no-op; with the other
// kind it fails with DuplicatePort. Closed ports never reopen.
func (r *Registry) Open(portID int64, kind Kind, sink api.Sink) error {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if prev, ok := r.closed.Get(portID); ok {
		return api.NewError(api.KindChannelClosed, fmt.Sprintf("%s port %d was closed", prev, portID))
	}
	p := newPort(portID, kind, sink, r.cfg.QueueCap)
	if r.ports.SetIfAbsent(portID, p) {
		r.wg.Add(1)
		go r.pump(p)
		logger.Debugf("%s port %d opened", kind, portID)
		return nil
	}
	existing, ok := r.ports.Get(portID)
	if !ok {
		// closed between the two lookups
		return api.NewError(api.KindChannelClosed, fmt.Sprintf("port %d was closed", portID))
	}
	if existing.kind != kind {
		return api.NewError(api.KindDuplicatePort,
			fmt.Sprintf("port %d is open as a %s port, not %s", portID, existing.kind, kind))
	}
	return nil
}

// Deliver pushes resp onto a response port. An unknown, closed or saturated
// port drops the response with a warning and returns a ChannelClosed error.
func (r *Registry) Deliver(portID int64, resp wire.Response) error {
	msg, err := wire.EncodeResponse(resp)
	if err != nil {
		r.drop(KindResponse, portID, err)
		return api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("response %d not encodable", resp.CorrelationID))
	}
	return r.post(portID, KindResponse, msg)
}

// Publish pushes sig onto a signal port with the same drop policy as Deliver.
func (r *Registry) Publish(portID int64, sig wire.Signal) error {
	msg, err := wire.EncodeSignal(sig)
	if err != nil {
		r.drop(KindSignal, portID, err)
		return api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("signal %d not encodable", sig.MessageID))
	}
	return r.post(portID, KindSignal, msg)
}

func (r *Registry) post(portID int64, kind Kind, msg []byte) error {
	p, ok := r.ports.Get(portID)
	if !ok || p.isClosed() {
		err := api.NewError(api.KindChannelClosed, fmt.Sprintf("%s port %d is not open", kind, portID))
		r.drop(kind, portID, err)
		return err
	}
	if p.kind != kind {
		err := api.NewError(api.KindChannelClosed, fmt.Sprintf("port %d is a %s port", portID, p.kind))
		r.drop(kind, portID, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = r.cfg.RetryWindow
	err := backoff.Retry(func() error {
		ok, err := p.put(msg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errPortFull
		}
		return nil
	}, b)
	if err != nil {
		r.drop(kind, portID, err)
		return api.Wrap(api.KindChannelClosed, err, fmt.Sprintf("%s port %d", kind, portID))
	}
	return nil
}

func (r *Registry) drop(kind Kind, portID int64, cause error) {
	r.metrics.DeliveriesDropped.WithLabelValues(kind.String()).Inc()
	logger.Warnf("%s to port %d dropped: %v", kind, portID, cause)
}

func (r *Registry) pump(p *port) {
	defer r.wg.Done()
	for {
		msg, err := p.get()
		if err != nil {
			return
		}
		if err := p.sink.Post(msg); err != nil {
			if errors.Is(err, api.ErrChannelClosed) {
				logger.Warnf("%s port %d receiver gone, closing: %v", p.kind, p.id, err)
				r.Close(p.id)
				return
			}
			r.drop(p.kind, p.id, err)
		}
	}
}

// IsOpen reports whether portID is open.
func (r *Registry) IsOpen(portID int64) bool {
	p, ok := r.ports.Get(portID)
	return ok && !p.isClosed()
}

// KindOf returns the kind portID was opened with.
func (r *Registry) KindOf(portID int64) (Kind, bool) {
	p, ok := r.ports.Get(portID)
	if !ok {
		return 0, false
	}
	return p.kind, true
}

// Close closes portID, discarding its undelivered messages. It is a no-op for
// unknown ports.
func (r *Registry) Close(portID int64) {
	r.openMu.Lock()
	p, ok := r.ports.Pop(portID)
	if !ok {
		r.openMu.Unlock()
		return
	}
	r.closed.Set(portID, p.kind)
	r.openMu.Unlock()
	p.close()
	logger.Debugf("%s port %d closed", p.kind, portID)
}

// Shutdown gives every port up to timeout to flush, then closes them all and
// waits for their pumps to exit.
func (r *Registry) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, p := range r.ports.Items() {
		for p.pending() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	for _, id := range r.ports.Keys() {
		r.Close(id)
	}
	r.wg.Wait()
}
