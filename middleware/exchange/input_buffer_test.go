package exchange

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/linkflow/middleware"
)

type eventCounter struct {
	full, recover, empty, newData atomic.Int32
}

func newCountedBuffer(t *testing.T, capacity, trigger int) (*InputBuffer, *eventCounter) {
	b, err := NewInputBuffer(capacity, trigger)
	require.NoError(t, err)
	c := &eventCounter{}
	b.AddFullListener(func(*InputBuffer) { c.full.Inc() })
	b.AddRecoverListener(func(*InputBuffer) { c.recover.Inc() })
	b.AddEmptyListener(func(*InputBuffer) { c.empty.Inc() })
	b.AddNewDataListener(func(*InputBuffer) { c.newData.Inc() })
	return b, c
}

func testChannel(node middleware.NodeID) ChannelID {
	return NewChannelID(middleware.NewSubQueryID(1, 0), 3, node)
}

func TestNewInputBufferValidates(t *testing.T) {
	_, err := NewInputBuffer(0, 0)
	assert.Error(t, err)
	_, err = NewInputBuffer(4, 4)
	assert.Error(t, err)
	_, err = NewInputBuffer(4, -1)
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	b, err := NewInputBuffer(2, 1)
	require.NoError(t, err)
	assert.False(t, b.IsAttached())
	assert.NoError(t, b.Attach(7))
	assert.NoError(t, b.Attach(7))
	assert.Error(t, b.Attach(8))
	assert.Equal(t, int64(7), b.OperatorID())
}

func TestFullAndRecoverAreEdgeTriggered(t *testing.T) {
	b, c := newCountedBuffer(t, 4, 1)
	ch := testChannel(1)

	for i := 0; i < 3; i++ {
		assert.True(t, b.Offer(NewEOI(ch)))
	}
	assert.Equal(t, int32(0), c.full.Load())

	b.Offer(NewEOI(ch))
	assert.Equal(t, int32(1), c.full.Load())
	// above capacity: no new event
	b.Offer(NewEOI(ch))
	assert.Equal(t, int32(1), c.full.Load())
	assert.Equal(t, -1, b.RemainingCapacity())

	for i := 0; i < 3; i++ {
		_, ok := b.Poll()
		require.True(t, ok)
	}
	assert.Equal(t, int32(0), c.recover.Load())
	_, _ = b.Poll()
	assert.Equal(t, int32(1), c.recover.Load())
	_, _ = b.Poll()
	assert.Equal(t, int32(1), c.recover.Load())
	assert.Equal(t, int32(1), c.empty.Load())
	assert.Equal(t, int32(5), c.newData.Load())

	_, ok := b.Poll()
	assert.False(t, ok)
}

func TestNoEventsWithoutCrossing(t *testing.T) {
	b, c := newCountedBuffer(t, 4, 1)
	ch := testChannel(1)
	for round := 0; round < 10; round++ {
		b.Offer(NewEOI(ch))
		b.Offer(NewEOI(ch))
		b.Poll()
		b.Poll()
	}
	assert.Equal(t, int32(0), c.full.Load())
	assert.Equal(t, int32(0), c.recover.Load())
}

func TestFIFOPerChannel(t *testing.T) {
	b, err := NewInputBuffer(100, 10)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for node := middleware.NodeID(1); node <= 3; node++ {
		wg.Add(1)
		go func(node middleware.NodeID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				kind := KindEOI
				if i == 19 {
					kind = KindEOS
				}
				b.Offer(Data{Channel: testChannel(node), Kind: kind})
			}
		}(node)
	}
	wg.Wait()

	seen := map[middleware.NodeID]int{}
	for {
		d, ok := b.Poll()
		if !ok {
			break
		}
		seen[d.Channel.NodeID]++
		if d.Kind == KindEOS {
			assert.Equal(t, 20, seen[d.Channel.NodeID])
		}
	}
	assert.Len(t, seen, 3)
}

func TestLateDataAfterCloseIsDropped(t *testing.T) {
	b, c := newCountedBuffer(t, 2, 0)
	ch := testChannel(2)
	b.Offer(NewEOI(ch))
	b.Offer(NewEOI(ch))
	require.Equal(t, int32(1), c.full.Load())

	b.Close()
	// closing a full buffer releases the paused channel
	assert.Equal(t, int32(1), c.recover.Load())
	assert.Equal(t, 0, b.Size())

	assert.False(t, b.Offer(NewEOS(ch)))
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, int32(2), c.newData.Load())
	b.Close()
	assert.True(t, b.IsClosed())
}
