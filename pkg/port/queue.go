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

package port

import (
	"fmt"
	"sync"
	"sync/atomic"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-bridge/api"
)

// port is one open delivery channel: a bounded FIFO drained into the sink by
// a single pump goroutine, so per-port order is emission order.
type port struct {
	id     int64
	kind   Kind
	sink   api.Sink
	cap    int64
	mu     sync.Mutex // serializes the bound check with Put
	q      *queuepkg.Queue
	closed atomic.Bool
}

func newPort(id int64, kind Kind, sink api.Sink, cap uint64) *port {
	return &port{
		id:   id,
		kind: kind,
		sink: sink,
		cap:  int64(cap),
		q:    queuepkg.New(int64(cap)),
	}
}

// put enqueues msg without blocking; false means the queue is full.
func (p *port) put(msg []byte) (bool, error) {
	if p.isClosed() {
		return false, fmt.Errorf("port %d closed", p.id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Len() >= p.cap {
		return false, nil
	}
	if err := p.q.Put(msg); err != nil {
		return false, err
	}
	return true, nil
}

// get blocks until a message is available or the port is closed.
func (p *port) get() ([]byte, error) {
	items, err := p.q.Get(1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("port %d: empty get", p.id)
	}
	msg, ok := items[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid queue element type %T", items[0])
	}
	return msg, nil
}

func (p *port) pending() int64 {
	return p.q.Len()
}

func (p *port) isClosed() bool {
	return p.closed.Load()
}

func (p *port) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.q.Dispose()
	}
}
