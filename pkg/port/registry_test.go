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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/metrics"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

type chanSink struct {
	ch chan []byte
}

func newChanSink(n int) *chanSink {
	return &chanSink{ch: make(chan []byte, n)}
}

func (s *chanSink) Post(msg []byte) error {
	s.ch <- msg
	return nil
}

type goneSink struct{}

func (goneSink) Post([]byte) error { return api.ErrChannelClosed }

// blockingSink holds every Post until release is closed.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Post([]byte) error {
	<-s.release
	return nil
}

func (s *blockingSink) unblock() { s.once.Do(func() { close(s.release) }) }

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

type RegistryTestSuite struct {
	suite.Suite
	m   *metrics.Metrics
	reg *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.m = metrics.New(nil)
	s.reg = New(Config{QueueCap: 4, RetryWindow: 5 * time.Millisecond}, s.m)
}

func (s *RegistryTestSuite) TearDownTest() {
	s.reg.Shutdown(100 * time.Millisecond)
}

func (s *RegistryTestSuite) recvResponse(sink *chanSink) wire.Response {
	select {
	case msg := <-sink.ch:
		resp, err := wire.DecodeResponse(msg)
		s.Require().NoError(err)
		return resp
	case <-time.After(time.Second):
		s.FailNow("no response delivered")
		return wire.Response{}
	}
}

func (s *RegistryTestSuite) TestDeliverRoundTrip() {
	sink := newChanSink(1)
	s.Require().NoError(s.reg.Open(1, KindResponse, sink))
	s.Require().NoError(s.reg.Deliver(1, wire.Success(7, []byte("ok"))))

	resp := s.recvResponse(sink)
	s.Equal(int32(7), resp.CorrelationID)
	s.Equal("ok", resp.Payload.String())
}

func (s *RegistryTestSuite) TestOpenIsIdempotentPerKind() {
	s.Require().NoError(s.reg.Open(1, KindResponse, newChanSink(1)))
	s.NoError(s.reg.Open(1, KindResponse, newChanSink(1)))

	err := s.reg.Open(1, KindSignal, newChanSink(1))
	s.ErrorIs(err, api.ErrDuplicatePort)
	kind, ok := s.reg.KindOf(1)
	s.True(ok)
	s.Equal(KindResponse, kind)
}

func (s *RegistryTestSuite) TestClosedPortNeverReopens() {
	s.Require().NoError(s.reg.Open(2, KindSignal, newChanSink(1)))
	s.reg.Close(2)
	s.False(s.reg.IsOpen(2))
	s.ErrorIs(s.reg.Open(2, KindSignal, newChanSink(1)), api.ErrChannelClosed)
}

func (s *RegistryTestSuite) TestCloseRacingOpenStaysClosed() {
	for id := int64(100); id < 300; id++ {
		s.Require().NoError(s.reg.Open(id, KindResponse, newChanSink(1)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.reg.Close(id)
		}()
		go func() {
			defer wg.Done()
			_ = s.reg.Open(id, KindResponse, newChanSink(1))
		}()
		wg.Wait()

		s.False(s.reg.IsOpen(id), "port %d reopened after close", id)
		s.ErrorIs(s.reg.Open(id, KindResponse, newChanSink(1)), api.ErrChannelClosed)
	}
}

func (s *RegistryTestSuite) TestDeliverToUnknownPortIsDropped() {
	err := s.reg.Deliver(42, wire.Success(1, nil))
	s.ErrorIs(err, api.ErrChannelClosed)
	s.Equal(1.0, counterValue(s.m.DeliveriesDropped.WithLabelValues("response")))
}

func (s *RegistryTestSuite) TestNamespacesAreSeparate() {
	s.Require().NoError(s.reg.Open(3, KindSignal, newChanSink(1)))
	s.ErrorIs(s.reg.Deliver(3, wire.Success(1, nil)), api.ErrChannelClosed)
}

func (s *RegistryTestSuite) TestGoneReceiverClosesPort() {
	s.Require().NoError(s.reg.Open(5, KindResponse, goneSink{}))
	s.Require().NoError(s.reg.Deliver(5, wire.Success(1, nil)))
	s.Eventually(func() bool { return !s.reg.IsOpen(5) }, time.Second, time.Millisecond)
	s.ErrorIs(s.reg.Deliver(5, wire.Success(2, nil)), api.ErrChannelClosed)
}

func (s *RegistryTestSuite) TestFullPortDropsAfterRetry() {
	sink := &blockingSink{release: make(chan struct{})}
	defer sink.unblock()
	s.Require().NoError(s.reg.Open(6, KindSignal, sink))

	// one message is held by the pump, four fill the queue
	var dropped int
	for i := 0; i < 8; i++ {
		if err := s.reg.Publish(6, wire.Signal{MessageID: int32(i)}); err != nil {
			dropped++
		}
	}
	s.GreaterOrEqual(dropped, 3)
	s.Equal(float64(dropped), counterValue(s.m.DeliveriesDropped.WithLabelValues("signal")))
	sink.unblock()
}

func (s *RegistryTestSuite) TestSignalOrderIsPreserved() {
	sink := newChanSink(64)
	reg := New(Config{QueueCap: 64}, nil)
	defer reg.Shutdown(time.Second)
	s.Require().NoError(reg.Open(9, KindSignal, sink))
	for i := 0; i < 50; i++ {
		s.Require().NoError(reg.Publish(9, wire.Signal{MessageID: int32(i)}))
	}
	for i := 0; i < 50; i++ {
		sig, err := wire.DecodeSignal(<-sink.ch)
		s.Require().NoError(err)
		s.Equal(int32(i), sig.MessageID)
	}
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
