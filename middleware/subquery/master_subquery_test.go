package subquery

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/merr"
)

// newMaster builds a coordinator for workers 1..3 whose own fragment has no
// tasks unless roots are given.
func newMaster(t *testing.T, mode FTMode, sender ControlSender, roots ...operator.Root) *MasterSubQuery {
	id := middleware.NewSubQueryID(42, 0)
	masterPlan := &SubQueryPlan{RootOps: roots, FTMode: mode}
	workers := map[middleware.NodeID]*SubQueryPlan{
		1: {FTMode: mode}, 2: {FTMode: mode}, 3: {FTMode: mode},
	}
	sq, err := NewSubQuery(id, masterPlan, workers)
	require.NoError(t, err)

	fragment, err := NewQueryPartition(PartitionConfig{
		NodeID:         middleware.CoordinatorID,
		SubQueryID:     id,
		Plan:           masterPlan,
		Scheduler:      newTestScheduler(t),
		BufferCapacity: 4,
	})
	require.NoError(t, err)
	mq, err := NewMasterSubQuery(sq, fragment, sender, MasterOptions{KillTimeout: time.Second})
	require.NoError(t, err)
	return mq
}

func receiveAll(mq *MasterSubQuery) {
	mq.Init()
	for _, w := range mq.Workers() {
		mq.QueryReceivedByWorker(w)
	}
}

func TestNewSubQueryValidates(t *testing.T) {
	_, err := NewSubQuery(middleware.SubQueryID{}, &SubQueryPlan{}, nil)
	assert.Error(t, err)
	_, err = NewSubQuery(middleware.NewSubQueryID(1, 0), nil, nil)
	assert.Error(t, err)
	_, err = NewSubQuery(middleware.NewSubQueryID(1, 0), &SubQueryPlan{},
		map[middleware.NodeID]*SubQueryPlan{middleware.CoordinatorID: {}})
	assert.Error(t, err)
}

func TestAllReceivedResolvesOnce(t *testing.T) {
	mq := newMaster(t, FTNone, &recordingSender{})
	mq.Init()
	mq.QueryReceivedByWorker(1)
	mq.QueryReceivedByWorker(2)
	mq.QueryReceivedByWorker(99)
	assert.False(t, mq.AllReceivedFuture().IsDone())
	mq.QueryReceivedByWorker(3)
	assert.True(t, mq.AllReceivedFuture().IsSuccess())
}

func TestAllNodesSucceed(t *testing.T) {
	mq := newMaster(t, FTNone, &recordingSender{})
	receiveAll(mq)
	mq.StartExecution()
	for _, w := range mq.Workers() {
		mq.WorkerComplete(w)
		// duplicates are ignored
		mq.WorkerComplete(w)
	}
	awaitFuture(t, mq.ExecutionFuture().Done())
	assert.True(t, mq.ExecutionFuture().IsSuccess())
	assert.Empty(t, mq.UnfinishedWorkers())
}

func TestNoneModeKillsOnFailure(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTNone, sender)
	receiveAll(mq)
	mq.StartExecution()

	mq.WorkerFail(2, errors.New("disk full"))
	assert.True(t, mq.IsKilled())
	require.Eventually(t, func() bool { return len(sender.to(transport.KindKill)) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []middleware.NodeID{1, 3}, sender.to(transport.KindKill))

	// the others report their kill
	mq.WorkerFail(1, merr.Killed("killed by coordinator"))
	mq.WorkerFail(3, merr.Killed("killed by coordinator"))
	awaitFuture(t, mq.ExecutionFuture().Done())

	var agg *merr.AggregateError
	require.True(t, errors.As(mq.ExecutionFuture().Cause(), &agg))
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, middleware.NodeID(2), agg.Failures[0].NodeID)
	assert.Contains(t, agg.Error(), "disk full")
}

func TestAbandonModeExcludesFailedNode(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTAbandon, sender)
	receiveAll(mq)
	mq.StartExecution()

	mq.WorkerFail(2, errors.New("crashed"))
	assert.False(t, mq.IsKilled())
	assert.True(t, mq.IsNodeCompleted(2))
	assert.True(t, mq.IsNodeMissing(2))
	require.Eventually(t, func() bool { return len(sender.to(transport.KindRemoveWorker)) == 2 }, time.Second, time.Millisecond)
	for _, m := range sender.find(transport.KindRemoveWorker) {
		assert.Equal(t, middleware.NodeID(2), m.TargetNode)
	}

	mq.WorkerComplete(1)
	mq.WorkerComplete(3)
	awaitFuture(t, mq.ExecutionFuture().Done())
	assert.True(t, mq.ExecutionFuture().IsSuccess())
	assert.Empty(t, sender.to(transport.KindKill))
}

func TestRejoinModeWaitsForReplacement(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTRejoin, sender)
	receiveAll(mq)
	mq.StartExecution()

	mq.WorkerComplete(1)
	mq.WorkerFail(2, errors.Wrap(merr.ErrLostHeartbeat, "node 2 silent"))
	assert.False(t, mq.IsNodeCompleted(2))
	assert.False(t, mq.IsKilled())

	// the replacement acknowledges the re-dispatched plan
	mq.QueryReceivedByWorker(2)
	require.Eventually(t, func() bool { return len(sender.to(transport.KindRecover)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []middleware.NodeID{2}, sender.to(transport.KindStart))
	assert.Equal(t, []middleware.NodeID{3}, sender.to(transport.KindRecover))
	assert.Equal(t, middleware.NodeID(2), sender.find(transport.KindRecover)[0].TargetNode)

	mq.WorkerComplete(2)
	assert.False(t, mq.ExecutionFuture().IsDone())
	mq.WorkerComplete(3)
	awaitFuture(t, mq.ExecutionFuture().Done())
	assert.True(t, mq.ExecutionFuture().IsSuccess())
}

func TestRacingSuccessAndFailureAgree(t *testing.T) {
	for i := 0; i < 100; i++ {
		mq := newMaster(t, FTAbandon, &recordingSender{})
		receiveAll(mq)
		mq.StartExecution()

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			mq.WorkerComplete(1)
		}()
		go func() {
			defer wg.Done()
			<-start
			mq.WorkerFail(1, merr.Killed("stop"))
		}()
		close(start)
		wg.Wait()
		mq.WorkerComplete(2)
		mq.WorkerComplete(3)

		awaitFuture(t, mq.ExecutionFuture().Done())
		require.Equal(t, mq.nodes[1].completed.IsSuccess(), mq.ExecutionFuture().IsSuccess(),
			"the outcome of node 1 decides the query")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTNone, sender)
	receiveAll(mq)
	mq.StartExecution()
	mq.WorkerComplete(3)

	require.NoError(t, mq.KillAndWait())
	require.NoError(t, mq.KillAndWait())
	mq.Kill()
	assert.ElementsMatch(t, []middleware.NodeID{1, 2}, sender.to(transport.KindKill))

	mq.WorkerFail(1, merr.Killed("killed"))
	mq.WorkerFail(2, merr.Killed("killed"))
	awaitFuture(t, mq.ExecutionFuture().Done())
	assert.True(t, merr.IsKilled(mq.ExecutionFuture().Cause()))
	var agg *merr.AggregateError
	assert.False(t, errors.As(mq.ExecutionFuture().Cause(), &agg))
}

func TestKillCompletesDepartedNodes(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTRejoin, sender)
	receiveAll(mq)
	mq.StartExecution()

	mq.NodeLost(2)
	mq.WorkerFail(2, merr.ErrLostHeartbeat)
	assert.False(t, mq.IsNodeCompleted(2))

	require.NoError(t, mq.KillAndWait())
	assert.True(t, mq.IsNodeCompleted(2))
	assert.ElementsMatch(t, []middleware.NodeID{1, 3}, sender.to(transport.KindKill))
}

func TestCoordinatorFragmentTakesPart(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTAbandon, sender, consumerRoot("gather", 7, 1, 2, 3))
	receiveAll(mq)
	mq.StartExecution()

	for _, w := range mq.Workers() {
		mq.WorkerComplete(w)
	}
	assert.False(t, mq.ExecutionFuture().IsDone())

	id := mq.SubQueryID()
	for _, w := range mq.Workers() {
		mq.Fragment().DeliverData(eos(id, 7, w))
	}
	awaitFuture(t, mq.ExecutionFuture().Done())
	assert.True(t, mq.ExecutionFuture().IsSuccess())
	assert.True(t, mq.Statistics().Elapsed() > 0)
}

func TestCoordinatorFragmentFailureIsFatal(t *testing.T) {
	sender := &recordingSender{}
	mq := newMaster(t, FTAbandon, sender, operator.NewSinkRoot("sink", &failingOp{name: "scan"}, false))
	receiveAll(mq)
	mq.StartExecution()

	require.Eventually(t, mq.IsKilled, time.Second, time.Millisecond)
	for _, w := range mq.Workers() {
		mq.WorkerFail(w, merr.Killed("killed"))
	}
	awaitFuture(t, mq.ExecutionFuture().Done())
	var agg *merr.AggregateError
	require.True(t, errors.As(mq.ExecutionFuture().Cause(), &agg))
	assert.Error(t, agg.Cause(middleware.CoordinatorID))
}

func TestMasterPauseResumeFragment(t *testing.T) {
	mq := newMaster(t, FTNone, &recordingSender{}, consumerRoot("gather", 7, 1))
	receiveAll(mq)
	mq.StartExecution()
	awaitFuture(t, mq.Pause().Done())
	assert.True(t, mq.Resume().IsSuccess())
	mq.SetPriority(3)
	assert.Equal(t, int32(3), mq.Priority())
	assert.Equal(t, int32(3), mq.Fragment().Priority())
}
