package master

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/merr"
	"github.com/linkflow/worker"
)

var clusterIDs = []middleware.NodeID{1, 2, 3}

type cluster struct {
	hub     *transport.LocalHub
	srv     *Server
	workers map[middleware.NodeID]*worker.Worker
}

func newCluster(t *testing.T, env map[string]string) *cluster {
	hub := transport.NewLocalHub()
	srv, _ := newTestServer(t, hub)
	c := &cluster{hub: hub, srv: srv, workers: make(map[middleware.NodeID]*worker.Worker)}
	for _, id := range clusterIDs {
		w, err := worker.NewWorker(context.Background(), worker.Config{
			NodeID:            id,
			Transport:         hub.Join(id),
			Scheduler:         newTestScheduler(t),
			BufferCapacity:    8,
			RecoverTrigger:    2,
			Env:               env,
			HeartbeatInterval: testHeartbeatTimeout / 5,
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		t.Cleanup(w.Close)
		c.workers[id] = w
	}
	require.Eventually(t, func() bool { return len(srv.Workers()) == len(clusterIDs) }, 5*time.Second, 10*time.Millisecond)
	return c
}

// crash takes a worker down the way a dead process goes.
func (c *cluster) crash(id middleware.NodeID) {
	c.hub.Disconnect(id)
	c.workers[id].Close()
}

func TestClusterShuffleCount(t *testing.T) {
	c := newCluster(t, nil)
	id, err := c.srv.Submit(context.Background(), encoding.ShuffleCountQuery(clusterIDs, 30000, subquery.FTNone))
	require.NoError(t, err)
	require.NoError(t, awaitQuery(t, c.srv, id))

	status, err := c.srv.QueryStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, status.State)
	assert.Equal(t, int64(30000), status.OutputTuples)
	assert.Empty(t, status.MissingNodes)
}

func TestClusterSmallBatchesAndBackpressure(t *testing.T) {
	c := newCluster(t, map[string]string{operator.BatchSizeEnv: "7"})
	id, err := c.srv.Submit(context.Background(), encoding.ShuffleCountQuery(clusterIDs, 5000, subquery.FTNone))
	require.NoError(t, err)
	require.NoError(t, awaitQuery(t, c.srv, id))

	status, err := c.srv.QueryStatus(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), status.OutputTuples)
}

func TestClusterRunsQueriesConcurrently(t *testing.T) {
	c := newCluster(t, nil)
	var ids []middleware.SubQueryID
	for i := 0; i < 4; i++ {
		id, err := c.srv.Submit(context.Background(), encoding.ShuffleCountQuery(clusterIDs, 4000, subquery.FTNone))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, awaitQuery(t, c.srv, id))
		status, err := c.srv.QueryStatus(id)
		require.NoError(t, err)
		assert.Equal(t, int64(4000), status.OutputTuples)
	}
}

func TestClusterAbandonsCrashedWorker(t *testing.T) {
	c := newCluster(t, map[string]string{operator.BatchSizeEnv: "16"})
	id, err := c.srv.Submit(context.Background(), encoding.ShuffleCountQuery(clusterIDs, 200000, subquery.FTAbandon))
	require.NoError(t, err)
	c.crash(3)

	// whatever node 3 managed to send, the others finish without it
	require.NoError(t, awaitQuery(t, c.srv, id))
	status, err := c.srv.QueryStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, status.State)
	assert.LessOrEqual(t, status.OutputTuples, int64(200000))
}

func TestClusterKill(t *testing.T) {
	c := newCluster(t, map[string]string{operator.BatchSizeEnv: "4"})
	id, err := c.srv.Submit(context.Background(), encoding.ShuffleCountQuery(clusterIDs, 1000000, subquery.FTNone))
	require.NoError(t, err)

	err = c.srv.Kill(id)
	if err != nil {
		// finished before the kill arrived
		assert.True(t, errors.Is(err, merr.ErrUnknownQuery))
	}
	err = awaitQuery(t, c.srv, id)
	status, serr := c.srv.QueryStatus(id)
	require.NoError(t, serr)
	if err == nil {
		assert.Equal(t, StateSucceeded, status.State)
	} else {
		assert.True(t, merr.IsKilled(err))
		assert.Equal(t, StateKilled, status.State)
	}
	for _, node := range clusterIDs {
		w := c.workers[node]
		assert.Eventually(t, func() bool {
			_, running := w.Partition(id)
			return !running
		}, 5*time.Second, 10*time.Millisecond)
	}
}
