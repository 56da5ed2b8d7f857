package subquery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/future"
	"github.com/linkflow/utils/merr"
)

func TestPartitionSucceedsWhenAllTasksSucceed(t *testing.T) {
	id := middleware.NewSubQueryID(1, 0)
	qp := newPartition(t, id, nil, consumerRoot("a", 1, 2, 3), consumerRoot("b", 2, 2))
	assert.Len(t, qp.ConsumerChannels(), 3)
	qp.Init()
	qp.StartExecution()

	qp.DeliverData(eos(id, 1, 2))
	qp.DeliverData(eos(id, 2, 2))
	assert.False(t, qp.ExecutionFuture().IsDone())
	qp.DeliverData(eos(id, 1, 3))

	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, qp.ExecutionFuture().IsSuccess())
	assert.False(t, qp.Statistics().EndTime().Before(qp.Statistics().StartTime()))

	// late data is dropped without touching the outcome
	assert.False(t, qp.DeliverData(eos(id, 1, 3)))
	assert.False(t, qp.DeliverData(eos(id, 99, 3)))
	assert.True(t, qp.ExecutionFuture().IsSuccess())
}

func TestPartitionWithoutTasksSucceedsAtStart(t *testing.T) {
	qp := newPartition(t, middleware.NewSubQueryID(2, 0), nil)
	qp.Init()
	qp.StartExecution()
	assert.True(t, qp.ExecutionFuture().IsSuccess())
}

func TestPartitionRejectsDuplicateRoots(t *testing.T) {
	root := consumerRoot("a", 1, 2)
	_, err := NewQueryPartition(PartitionConfig{
		SubQueryID:     middleware.NewSubQueryID(1, 0),
		Plan:           &SubQueryPlan{RootOps: []operator.Root{root, root}},
		Scheduler:      newTestScheduler(t),
		BufferCapacity: 2,
	})
	assert.Error(t, err)
}

func TestPartitionCompletesExactlyOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			id := middleware.NewSubQueryID(int64(round+1), 0)
			var roots []operator.Root
			failing := round % 4
			for i := 0; i < 8; i++ {
				if i < failing {
					roots = append(roots, operator.NewSinkRoot(fmt.Sprintf("f%d", i), &failingOp{name: fmt.Sprintf("op%d", i)}, false))
				} else {
					roots = append(roots, consumerRoot(fmt.Sprintf("c%d", i), int64(i), 2))
				}
			}
			qp := newPartition(t, id, nil, roots...)
			fired := atomic.NewInt32(0)
			qp.ExecutionFuture().AddListener(func(*future.Future) { fired.Inc() })
			qp.Init()
			qp.StartExecution()

			var wg sync.WaitGroup
			for i := failing; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					qp.DeliverData(eos(id, int64(i), 2))
				}(i)
			}
			wg.Wait()

			awaitFuture(t, qp.ExecutionFuture().Done())
			time.Sleep(5 * time.Millisecond)
			assert.Equal(t, int32(1), fired.Load())
			if failing == 0 {
				assert.True(t, qp.ExecutionFuture().IsSuccess())
			} else {
				require.Error(t, qp.ExecutionFuture().Cause())
				assert.True(t, errors.Is(qp.ExecutionFuture().Cause(), merr.ErrTaskFailure))
			}
		})
	}
}

func TestPartitionKillIsIdempotent(t *testing.T) {
	id := middleware.NewSubQueryID(3, 0)
	qp := newPartition(t, id, nil, consumerRoot("a", 1, 2), consumerRoot("b", 2, 2))
	qp.Init()
	qp.StartExecution()

	qp.Kill()
	qp.Kill()
	assert.True(t, qp.IsKilled())
	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, merr.IsKilled(qp.ExecutionFuture().Cause()))
}

func TestPauseSharesOneFutureAndResume(t *testing.T) {
	id := middleware.NewSubQueryID(4, 0)
	qp := newPartition(t, id, nil, consumerRoot("a", 1, 2), consumerRoot("b", 2, 2))
	qp.Init()

	assert.True(t, qp.Resume().IsSuccess())

	qp.StartExecution()
	p1 := qp.Pause()
	p2 := qp.Pause()
	assert.Same(t, p1, p2)
	awaitFuture(t, p1.Done())
	assert.True(t, p1.IsSuccess())
	assert.True(t, qp.IsPaused())

	// data arriving while paused is buffered, not consumed
	qp.DeliverData(eos(id, 1, 2))
	qp.DeliverData(eos(id, 2, 2))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, qp.ExecutionFuture().IsDone())

	assert.True(t, qp.Resume().IsSuccess())
	assert.False(t, qp.IsPaused())
	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, qp.ExecutionFuture().IsSuccess())

	// a new pause after everything finished resolves at once
	assert.True(t, qp.Pause().IsSuccess())
}

func TestKillWhilePaused(t *testing.T) {
	id := middleware.NewSubQueryID(5, 0)
	qp := newPartition(t, id, nil, consumerRoot("a", 1, 2))
	qp.Init()
	qp.StartExecution()
	awaitFuture(t, qp.Pause().Done())

	qp.Kill()
	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, merr.IsKilled(qp.ExecutionFuture().Cause()))
}

func TestInputBufferEventsDriveFlowControl(t *testing.T) {
	id := middleware.NewSubQueryID(6, 0)
	flow := newRecordingFlow()
	qp := newPartition(t, id, flow, consumerRoot("a", 1, 2, 3))
	qp.Init()
	// not started: nothing drains the buffer
	ch2 := exchange.NewChannelID(id, 1, 2)
	ch3 := exchange.NewChannelID(id, 1, 3)
	for i := 0; i < 4; i++ {
		qp.DeliverData(exchange.NewEOI(ch2))
	}
	paused, _ := flow.counts(ch2)
	assert.Equal(t, 1, paused)
	paused, _ = flow.counts(ch3)
	assert.Equal(t, 1, paused)

	qp.StartExecution()
	require.Eventually(t, func() bool {
		_, resumed := flow.counts(ch3)
		return resumed >= 1
	}, time.Second, time.Millisecond)

	qp.DeliverData(eos(id, 1, 2))
	qp.DeliverData(eos(id, 1, 3))
	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, qp.ExecutionFuture().IsSuccess())
}

func TestMissingSourceEndsConsumer(t *testing.T) {
	id := middleware.NewSubQueryID(7, 0)
	qp := newPartition(t, id, nil, consumerRoot("a", 1, 2, 3))
	qp.Init()
	qp.StartExecution()
	qp.DeliverData(eos(id, 1, 2))

	time.Sleep(10 * time.Millisecond)
	assert.False(t, qp.ExecutionFuture().IsDone())
	qp.MarkNodeMissing(3)
	assert.True(t, qp.IsNodeMissing(3))
	awaitFuture(t, qp.ExecutionFuture().Done())
	assert.True(t, qp.ExecutionFuture().IsSuccess())
}

// partitionEndpoint hands the data a transport receives to one partition.
type partitionEndpoint struct {
	qp *QueryPartition
}

func (e *partitionEndpoint) HandleControl(context.Context, *transport.ControlMessage) {}

func (e *partitionEndpoint) HandleData(d exchange.Data) {
	e.qp.DeliverData(d)
}

// countingSender counts the batches handed to the transport.
type countingSender struct {
	*transport.LocalTransport
	batches atomic.Int64
}

func (s *countingSender) SendData(to middleware.NodeID, d exchange.Data) error {
	if d.Kind == exchange.KindBatch {
		s.batches.Inc()
	}
	return s.LocalTransport.SendData(to, d)
}

func TestSlowConsumerStallsProducer(t *testing.T) {
	id := middleware.NewSubQueryID(12, 0)
	hub := transport.NewLocalHub()
	sender := &countingSender{LocalTransport: hub.Join(1)}
	receiver := hub.Join(2)

	sink := operator.NewSinkRoot("sink", operator.NewConsumer("recv", intSchema, 1, []middleware.NodeID{1}), false)
	cons, err := NewQueryPartition(PartitionConfig{
		NodeID:           2,
		SubQueryID:       id,
		Plan:             &SubQueryPlan{RootOps: []operator.Root{sink}},
		Scheduler:        newTestScheduler(t),
		Flow:             receiver,
		BufferCapacity:   4,
		RecoverTrigger:   1,
		MaxBatchesPerRun: 8,
	})
	require.NoError(t, err)

	producer := operator.NewProducer("send", operator.NewSeq("seq", 5000, map[middleware.NodeID]int{1: 0}), 1, []middleware.NodeID{2}, nil)
	prod, err := NewQueryPartition(PartitionConfig{
		NodeID:           1,
		SubQueryID:       id,
		Plan:             &SubQueryPlan{RootOps: []operator.Root{producer}},
		Scheduler:        newTestScheduler(t),
		Flow:             sender,
		Sender:           sender,
		MaxBatchesPerRun: 8,
		Env:              map[string]string{operator.BatchSizeEnv: "10"},
	})
	require.NoError(t, err)

	require.NoError(t, sender.Start(&partitionEndpoint{qp: prod}))
	require.NoError(t, receiver.Start(&partitionEndpoint{qp: cons}))
	defer sender.Close()
	defer receiver.Close()

	// the consumer does not run yet, so nothing drains its buffer
	cons.Init()
	prod.Init()
	prod.StartExecution()

	time.Sleep(200 * time.Millisecond)
	sent := sender.batches.Load()
	assert.Greater(t, sent, int64(0))
	assert.LessOrEqual(t, sent, int64(4+16+2), "a full consumer bounds what its producer sends")
	assert.False(t, prod.ExecutionFuture().IsDone())
	assert.True(t, receiver.IsPaused(exchange.NewChannelID(id, 1, 1)))

	cons.StartExecution()
	awaitFuture(t, prod.ExecutionFuture().Done())
	awaitFuture(t, cons.ExecutionFuture().Done())
	assert.True(t, prod.ExecutionFuture().IsSuccess())
	assert.True(t, cons.ExecutionFuture().IsSuccess())
	assert.Equal(t, int64(500), sender.batches.Load())
	assert.Equal(t, int64(5000), sink.Count())
}
