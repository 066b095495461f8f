package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

type published struct {
	port int64
	sig  wire.Signal
}

type recorder struct {
	mu  sync.Mutex
	got []published
}

func (r *recorder) Publish(portID int64, sig wire.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, published{port: portID, sig: sig})
	return nil
}

func (r *recorder) ids() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int32, 0, len(r.got))
	for _, p := range r.got {
		out = append(out, p.sig.MessageID)
	}
	return out
}

func TestBufferedSignalsFlushInOrder(t *testing.T) {
	rec := &recorder{}
	s := New(rec, 0, nil)

	for i := int32(1); i <= 3; i++ {
		s.Emit(wire.Signal{MessageID: i})
	}
	assert.Equal(t, Uninitialized, s.State())
	assert.Equal(t, 3, s.Pending())
	assert.Empty(t, rec.ids())

	require.NoError(t, s.Start(10))
	assert.Equal(t, Streaming, s.State())
	assert.Equal(t, []int32{1, 2, 3}, rec.ids())

	s.Emit(wire.Signal{MessageID: 4})
	assert.Equal(t, []int32{1, 2, 3, 4}, rec.ids())
	for _, p := range rec.got {
		assert.Equal(t, int64(10), p.port)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	rec := &recorder{}
	s := New(rec, 4, nil)
	for i := int32(0); i < 10; i++ {
		s.Emit(wire.Signal{MessageID: i})
	}
	assert.Equal(t, uint64(6), s.Dropped())
	assert.Equal(t, 4, s.Pending())

	require.NoError(t, s.Start(1))
	assert.Equal(t, []int32{6, 7, 8, 9}, rec.ids())
	assert.Equal(t, 0, s.Pending())
}

func TestDefaultBoundKeepsNewest(t *testing.T) {
	rec := &recorder{}
	s := New(rec, 0, nil)
	total := DefaultBufferBound + 5
	for i := 0; i < total; i++ {
		s.Emit(wire.Signal{MessageID: int32(i)})
	}
	assert.Equal(t, uint64(5), s.Dropped())

	require.NoError(t, s.Start(1))
	ids := rec.ids()
	require.Len(t, ids, DefaultBufferBound)
	assert.Equal(t, int32(5), ids[0])
	assert.Equal(t, int32(total-1), ids[len(ids)-1])
}

func TestStartTwice(t *testing.T) {
	s := New(&recorder{}, 0, nil)
	require.NoError(t, s.Start(3))
	assert.NoError(t, s.Start(3))

	err := s.Start(4)
	assert.ErrorIs(t, err, api.ErrDuplicatePort)
	port, ok := s.Port()
	assert.True(t, ok)
	assert.Equal(t, int64(3), port)
}

func TestReportUsesReservedID(t *testing.T) {
	rec := &recorder{}
	s := New(rec, 0, nil)
	require.NoError(t, s.Start(2))
	s.Report("worker restarted")

	require.Len(t, rec.got, 1)
	assert.Equal(t, wire.ReportMessageID, rec.got[0].sig.MessageID)
	assert.Equal(t, "worker restarted", rec.got[0].sig.Payload.String())
}

func TestConcurrentEmitBeforeStart(t *testing.T) {
	rec := &recorder{}
	s := New(rec, 0, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Emit(wire.Signal{MessageID: int32(i)})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.Start(1))
	assert.Len(t, rec.ids(), 800)
	assert.Zero(t, s.Dropped())
}
