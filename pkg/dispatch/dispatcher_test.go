package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/handle"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

type delivery struct {
	port int64
	resp wire.Response
}

type chanDeliverer struct {
	ch chan delivery
}

func (d *chanDeliverer) Deliver(portID int64, resp wire.Response) error {
	d.ch <- delivery{port: portID, resp: resp}
	return nil
}

const (
	opEcho int32 = iota + 1
	opUpper
	opFail
	opPanic
	opBlock
	opHandle
)

type DispatcherTestSuite struct {
	suite.Suite
	out     *chanDeliverer
	handles *handle.Registry
	release chan struct{}
	echoed  atomic.Int32
	d       *Dispatcher
}

func (s *DispatcherTestSuite) SetupTest() {
	s.out = &chanDeliverer{ch: make(chan delivery, 256)}
	s.handles = handle.New(nil)
	s.release = make(chan struct{})
	s.echoed.Store(0)

	d, err := New(s.out, s.handles,
		WithPoolSize(4),
		WithMiddleware(Logging(), ResolveTarget()),
		WithHandler(opEcho, func(_ context.Context, req wire.Request) ([]byte, error) {
			s.echoed.Add(1)
			return append([]byte("echo:"), req.Payload.Bytes()...), nil
		}),
		WithSyncHandler(opUpper, func(_ context.Context, req wire.Request) ([]byte, error) {
			out := req.Payload.Bytes()
			for i, c := range out {
				if c >= 'a' && c <= 'z' {
					out[i] = c - 32
				}
			}
			return out, nil
		}),
		WithHandler(opFail, func(context.Context, wire.Request) ([]byte, error) {
			return nil, errors.New("disk on fire")
		}),
		WithHandler(opPanic, func(context.Context, wire.Request) ([]byte, error) {
			panic("boom")
		}),
		WithHandler(opBlock, func(context.Context, wire.Request) ([]byte, error) {
			<-s.release
			return nil, nil
		}),
		WithHandler(opHandle, func(ctx context.Context, req wire.Request) ([]byte, error) {
			table, ok := HandlesFrom(ctx)
			if !ok {
				return nil, errors.New("no handle table")
			}
			obj, err := table.Resolve(req.Target.Handle)
			if err != nil {
				return nil, err
			}
			id, _ := CorrelationID(ctx)
			port, _ := ReplyPort(ctx)
			s.Equal(int32(40), id)
			s.Equal(int64(77), port)
			return []byte(obj.(string)), nil
		}),
	)
	s.Require().NoError(err)
	s.d = d
}

func (s *DispatcherTestSuite) TearDownTest() {
	select {
	case <-s.release:
	default:
		close(s.release)
	}
	s.NoError(s.d.Close(time.Second))
}

func (s *DispatcherTestSuite) next() delivery {
	select {
	case got := <-s.out.ch:
		return got
	case <-time.After(time.Second):
		s.FailNow("no response delivered")
		return delivery{}
	}
}

func envelope(id, op int32, payload string) wire.RequestEnvelope {
	return wire.RequestEnvelope{
		CorrelationID: id,
		Request: wire.Request{
			Target:    wire.AddressTarget("svc"),
			Operation: op,
			Payload:   wire.NewByteBuffer([]byte(payload)),
		},
	}
}

func (s *DispatcherTestSuite) TestSubmitDeliversOnReplyPort() {
	s.Require().NoError(s.d.Submit(envelope(7, opEcho, "x"), 55))
	got := s.next()
	s.Equal(int64(55), got.port)
	s.Equal(int32(7), got.resp.CorrelationID)
	s.True(got.resp.OK())
	s.Equal("echo:x", got.resp.Payload.String())
}

func (s *DispatcherTestSuite) TestUnknownOperationSkipsHandlers() {
	s.Require().NoError(s.d.Submit(envelope(9, 99, "x"), 1))
	got := s.next()
	s.Equal(int32(9), got.resp.CorrelationID)
	s.Require().NotNil(got.resp.Fault)
	s.Equal(string(api.KindUnknownOperation), got.resp.Fault.Kind)
	s.Zero(s.echoed.Load())
}

func (s *DispatcherTestSuite) TestHandlerErrorBecomesFault() {
	s.Require().NoError(s.d.Submit(envelope(3, opFail, ""), 1))
	got := s.next()
	s.Require().NotNil(got.resp.Fault)
	s.Equal(string(api.KindHandlerFailure), got.resp.Fault.Kind)
	s.Contains(got.resp.Fault.Message, "disk on fire")
}

func (s *DispatcherTestSuite) TestPanicBecomesFault() {
	s.Require().NoError(s.d.Submit(envelope(4, opPanic, ""), 1))
	got := s.next()
	s.Equal(int32(4), got.resp.CorrelationID)
	s.Require().NotNil(got.resp.Fault)
	s.Equal(string(api.KindHandlerFailure), got.resp.Fault.Kind)
	s.Contains(got.resp.Fault.Message, "boom")

	// the pool survives
	s.Require().NoError(s.d.Submit(envelope(5, opEcho, "ok"), 1))
	s.True(s.next().resp.OK())
}

func (s *DispatcherTestSuite) TestEveryEnvelopeAnsweredOnce() {
	const n = 200
	for i := int32(1); i <= n; i++ {
		op := opEcho
		if i%3 == 0 {
			op = opFail
		}
		s.Require().NoError(s.d.Submit(envelope(i, op, "p"), 1))
	}
	seen := make(map[int32]int, n)
	for i := 0; i < n; i++ {
		seen[s.next().resp.CorrelationID]++
	}
	s.Len(seen, n)
	for id, count := range seen {
		s.Equal(1, count, "correlation %d", id)
	}
	s.Eventually(func() bool { return s.d.InFlight() == 0 }, time.Second, time.Millisecond)
}

func (s *DispatcherTestSuite) TestSubmitSyncRunsOnlySyncHandlers() {
	resp := s.d.SubmitSync(envelope(0, opUpper, "abc").Request)
	s.True(resp.OK())
	s.Equal("ABC", resp.Payload.String())

	resp = s.d.SubmitSync(envelope(0, opEcho, "abc").Request)
	s.Require().NotNil(resp.Fault)
	s.Equal(string(api.KindUnknownOperation), resp.Fault.Kind)
}

func (s *DispatcherTestSuite) TestSyncHandlerIsReachableAsync() {
	s.Require().NoError(s.d.Submit(envelope(11, opUpper, "hi"), 2))
	got := s.next()
	s.Equal("HI", got.resp.Payload.String())
}

func (s *DispatcherTestSuite) TestHandlerSeesRequestContext() {
	h := s.handles.Register("conn-a")
	env := wire.RequestEnvelope{
		CorrelationID: 40,
		Request:       wire.Request{Target: wire.HandleTarget(h), Operation: opHandle},
	}
	s.Require().NoError(s.d.Submit(env, 77))
	got := s.next()
	s.True(got.resp.OK(), "%v", got.resp.Fault)
	s.Equal("conn-a", got.resp.Payload.String())
}

func (s *DispatcherTestSuite) TestUnknownTargetHandleRejected() {
	env := wire.RequestEnvelope{
		CorrelationID: 41,
		Request:       wire.Request{Target: wire.HandleTarget(12345), Operation: opHandle},
	}
	s.Require().NoError(s.d.Submit(env, 1))
	got := s.next()
	s.Require().NotNil(got.resp.Fault)
	s.Equal(string(api.KindUnknownHandle), got.resp.Fault.Kind)
}

func (s *DispatcherTestSuite) TestInFlightAndClosedSubmit() {
	for i := int32(1); i <= 3; i++ {
		s.Require().NoError(s.d.Submit(envelope(i, opBlock, ""), 1))
	}
	s.Equal(int64(3), s.d.InFlight())
	close(s.release)
	for i := 0; i < 3; i++ {
		s.next()
	}
	s.Require().NoError(s.d.Close(time.Second))

	err := s.d.Submit(envelope(50, opEcho, ""), 1)
	s.ErrorIs(err, api.ErrChannelClosed)
	got := s.next()
	s.Equal(int32(50), got.resp.CorrelationID)
	s.Equal(string(api.KindChannelClosed), got.resp.Fault.Kind)
}

func (s *DispatcherTestSuite) TestOperations() {
	s.Equal([]int32{opEcho, opUpper, opFail, opPanic, opBlock, opHandle}, s.d.Operations())
	s.True(s.d.Has(opPanic))
	s.False(s.d.Has(0))
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func TestDuplicateOperationRejected(t *testing.T) {
	h := func(context.Context, wire.Request) ([]byte, error) { return nil, nil }
	_, err := New(&chanDeliverer{}, nil, WithHandler(1, h), WithSyncHandler(1, h))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate handler for operation 1")
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) api.Middleware {
		return func(next api.Handler) api.Handler {
			return func(ctx context.Context, req wire.Request) ([]byte, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	d, err := New(&chanDeliverer{}, nil,
		WithMiddleware(mw("outer"), mw("inner")),
		WithSyncHandler(1, func(context.Context, wire.Request) ([]byte, error) {
			order = append(order, "handler")
			return nil, nil
		}),
	)
	require.NoError(t, err)
	defer d.Close(time.Second)
	d.SubmitSync(wire.Request{Operation: 1})
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func newSingleWorker(t *testing.T) (*Dispatcher, *chanDeliverer, chan struct{}) {
	t.Helper()
	out := &chanDeliverer{ch: make(chan delivery, 16)}
	release := make(chan struct{})
	d, err := New(out, nil,
		WithPoolSize(1),
		WithHandler(opBlock, func(context.Context, wire.Request) ([]byte, error) {
			<-release
			return []byte("done"), nil
		}),
	)
	require.NoError(t, err)
	return d, out, release
}

func collect(t *testing.T, out *chanDeliverer, n int) map[int32]wire.Response {
	t.Helper()
	got := make(map[int32]wire.Response, n)
	for i := 0; i < n; i++ {
		select {
		case dl := <-out.ch:
			got[dl.resp.CorrelationID] = dl.resp
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d responses delivered", i, n)
		}
	}
	return got
}

func TestSubmitDoesNotWaitForWorker(t *testing.T) {
	d, out, release := newSingleWorker(t)
	defer d.Close(time.Second)

	require.NoError(t, d.Submit(envelope(1, opBlock, ""), 1))
	returned := make(chan error, 1)
	go func() { returned <- d.Submit(envelope(2, opBlock, ""), 1) }()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		close(release)
		t.Fatal("Submit waited for a free worker")
	}
	assert.Equal(t, int64(2), d.InFlight())

	close(release)
	got := collect(t, out, 2)
	for _, id := range []int32{1, 2} {
		require.Contains(t, got, id)
		assert.Equal(t, "done", got[id].Payload.String())
	}
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestCloseAnswersQueuedRequests(t *testing.T) {
	d, out, release := newSingleWorker(t)

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, d.Submit(envelope(i, opBlock, ""), 1))
	}
	assert.Error(t, d.Close(50*time.Millisecond))

	got := collect(t, out, 2)
	for _, id := range []int32{2, 3} {
		require.Contains(t, got, id)
		require.NotNil(t, got[id].Fault)
		assert.Equal(t, string(api.KindChannelClosed), got[id].Fault.Kind)
	}

	close(release)
	first := collect(t, out, 1)
	require.Contains(t, first, int32(1))
	assert.True(t, first[1].OK())
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, time.Millisecond)
}
