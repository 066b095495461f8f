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

package plugin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

// DefaultAbandonGrace is how long the id of an abandoned call stays reserved
// for its late response.
const DefaultAbandonGrace = time.Minute

// Invoker calls a method on the bridge's channel. *transport.Loopback
// implements it.
type Invoker interface {
	Invoke(channel, method string, args []byte) ([]byte, error)
}

// Client submits requests the way the managed side does and routes responses
// arriving on its reply port back to the waiting caller.
type Client struct {
	inv       Invoker
	replyPort int64
	pending   cmap.ConcurrentMap[int32, chan wire.Response]
	allocMu   sync.Mutex
	cursor    int32
	idSpace   int32
	grace     time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewClient returns a client submitting through inv whose responses arrive on
// responses, the receiving side of replyPort.
func NewClient(inv Invoker, replyPort int64, responses <-chan []byte) *Client {
	c := &Client{
		inv:       inv,
		replyPort: replyPort,
		pending: cmap.NewWithCustomShardingFunction[int32, chan wire.Response](func(id int32) uint32 {
			return uint32(id)
		}),
		idSpace: math.MaxInt32,
		grace:   DefaultAbandonGrace,
		stop:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.route(responses)
	return c
}

// SetAbandonGrace changes how long an abandoned call's correlation id stays
// reserved. A late response arriving after that is logged and dropped. d <= 0
// keeps the id until its response arrives, which never happens if the
// response was lost. Call it before the first Call.
func (c *Client) SetAbandonGrace(d time.Duration) { c.grace = d }

// ReplyPort returns the port responses are delivered on.
func (c *Client) ReplyPort() int64 { return c.replyPort }

// Prepare calls prepareChannels.
func (c *Client) Prepare() (api.InitToken, error) {
	out, err := c.inv.Invoke(Channel, MethodPrepareChannels, nil)
	if err != nil {
		return api.InitToken{}, err
	}
	gen, err := wire.DecodeUint64(out)
	if err != nil {
		return api.InitToken{}, err
	}
	return api.InitToken{Generation: gen}, nil
}

// StartLogic calls startLogic with the client's reply port.
func (c *Client) StartLogic() error {
	_, err := c.inv.Invoke(Channel, MethodStartLogic, wire.EncodePort(c.replyPort))
	return err
}

// StopLogic calls stopLogic.
func (c *Client) StopLogic() error {
	_, err := c.inv.Invoke(Channel, MethodStopLogic, nil)
	return err
}

// OpenResponsePort opens the client's reply port.
func (c *Client) OpenResponsePort() error {
	_, err := c.inv.Invoke(Channel, MethodOpenResponsePort, wire.EncodePort(c.replyPort))
	return err
}

// StartStream attaches the signal stream to portID.
func (c *Client) StartStream(portID int64) error {
	_, err := c.inv.Invoke(Channel, MethodStartStream, wire.EncodePort(portID))
	return err
}

// Share calls shareHandle.
func (c *Client) Share(h wire.HandleID) (wire.HandleID, error) {
	out, err := c.inv.Invoke(Channel, MethodShareHandle, wire.EncodeHandle(h))
	if err != nil {
		return wire.InvalidHandle, err
	}
	return wire.DecodeHandle(out)
}

// Drop calls dropHandle.
func (c *Client) Drop(h wire.HandleID) error {
	_, err := c.inv.Invoke(Channel, MethodDropHandle, wire.EncodeHandle(h))
	return err
}

// Call submits req and waits for its response or ctx. A caller that gives up
// keeps its correlation id reserved until the late response arrives or the
// abandon grace period passes, whichever is first.
func (c *Client) Call(ctx context.Context, req wire.Request) (wire.Response, error) {
	id, ch := c.reserve()
	args, err := wire.EncodeSubmit(c.replyPort, wire.RequestEnvelope{CorrelationID: id, Request: req})
	if err != nil {
		c.pending.Remove(id)
		return wire.Response{}, err
	}
	if _, err := c.inv.Invoke(Channel, MethodSubmit, args); err != nil {
		// the dispatcher may already have answered with an error response
		select {
		case <-ch:
		default:
			c.pending.Remove(id)
		}
		return wire.Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.abandon(id, ch)
		return wire.Response{}, ctx.Err()
	case <-c.stop:
		return wire.Response{}, api.NewError(api.KindChannelClosed, "client closed")
	}
}

// CallSync runs req through submitSync.
func (c *Client) CallSync(req wire.Request) (wire.Response, error) {
	args, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.Response{}, err
	}
	out, err := c.inv.Invoke(Channel, MethodSubmitSync, args)
	if err != nil {
		return wire.Response{}, err
	}
	return wire.DecodeResponse(out)
}

// Pending returns how many correlation ids await a response.
func (c *Client) Pending() int {
	return c.pending.Count()
}

// reserve allocates a correlation id not awaiting a response. Running out of
// ids is unrecoverable and panics.
func (c *Client) reserve() (int32, chan wire.Response) {
	ch := make(chan wire.Response, 1)
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	for tries := int64(0); tries < int64(c.idSpace); tries++ {
		c.cursor = c.cursor%c.idSpace + 1
		if c.pending.SetIfAbsent(c.cursor, ch) {
			return c.cursor, ch
		}
	}
	panic(fmt.Sprintf("correlation id space exhausted: %d requests in flight", c.pending.Count()))
}

// abandon frees id after the grace period unless its response arrived and a
// newer call took the id over.
func (c *Client) abandon(id int32, ch chan wire.Response) {
	if c.grace <= 0 {
		return
	}
	time.AfterFunc(c.grace, func() {
		removed := c.pending.RemoveCb(id, func(_ int32, v chan wire.Response, exists bool) bool {
			return exists && v == ch
		})
		if removed {
			logger.Warnf("correlation id %d released without a response", id)
		}
	})
}

func (c *Client) route(responses <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-responses:
			if !ok {
				return
			}
			resp, err := wire.DecodeResponse(msg)
			if err != nil {
				logger.Warnf("undecodable response on port %d: %v", c.replyPort, err)
				continue
			}
			ch, ok := c.pending.Pop(resp.CorrelationID)
			if !ok {
				logger.Warnf("response %d has no waiting caller", resp.CorrelationID)
				continue
			}
			ch <- resp
		case <-c.stop:
			return
		}
	}
}

// Close stops routing responses. Waiting calls fail with ChannelClosed.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
