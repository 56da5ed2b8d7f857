package worker

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/merr"
)

// fakeMaster records what the worker sends to the coordinator.
type fakeMaster struct {
	msgs       chan *transport.ControlMessage
	heartbeats atomic.Int32
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{msgs: make(chan *transport.ControlMessage, 64)}
}

func (m *fakeMaster) HandleControl(_ context.Context, msg *transport.ControlMessage) {
	if msg.Kind == transport.KindHeartbeat {
		m.heartbeats.Inc()
		return
	}
	m.msgs <- msg
}

func (m *fakeMaster) HandleData(exchange.Data) {}

func (m *fakeMaster) expect(t *testing.T, kind transport.MessageKind) *transport.ControlMessage {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-m.msgs:
			if msg.Kind == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", kind)
			return nil
		}
	}
}

type testEnv struct {
	master *transport.LocalTransport
	fake   *fakeMaster
	worker *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	hub := transport.NewLocalHub()
	mt := hub.Join(middleware.CoordinatorID)
	fake := newFakeMaster()
	require.NoError(t, mt.Start(fake))
	t.Cleanup(func() { mt.Close() })

	sched, err := task.NewScheduler(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	t.Cleanup(func() { sched.Close(time.Second) })

	w, err := NewWorker(context.Background(), Config{
		NodeID:            1,
		Transport:         hub.Join(1),
		Scheduler:         sched,
		HeartbeatInterval: 10 * time.Millisecond,
		Address:           "127.0.0.1:7001",
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Close)
	return &testEnv{master: mt, fake: fake, worker: w}
}

func (e *testEnv) send(t *testing.T, msg *transport.ControlMessage) {
	require.NoError(t, e.master.SendShortMessage(context.Background(), 1, msg))
}

func countPlan(t *testing.T, count int64) []byte {
	data, err := jsoniter.Marshal(encoding.CountPlan(map[middleware.NodeID]int{1: 0}, count))
	require.NoError(t, err)
	return data
}

func TestNewWorkerValidates(t *testing.T) {
	hub := transport.NewLocalHub()
	sched, err := task.NewScheduler(context.Background(), 1)
	require.NoError(t, err)
	defer sched.Close(time.Second)

	_, err = NewWorker(context.Background(), Config{NodeID: 1, Scheduler: sched})
	assert.Error(t, err)
	_, err = NewWorker(context.Background(), Config{NodeID: 0, Transport: hub.Join(0), Scheduler: sched})
	assert.Error(t, err)
	_, err = NewWorker(context.Background(), Config{NodeID: 2, Transport: hub.Join(3), Scheduler: sched})
	assert.Error(t, err)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	msg := env.fake.expect(t, transport.KindRegister)
	assert.Equal(t, middleware.NodeID(1), msg.NodeID)
	assert.Equal(t, env.worker.InstanceID(), msg.InstanceID)
	assert.Equal(t, "127.0.0.1:7001", msg.Address)
	assert.Eventually(t, func() bool { return env.fake.heartbeats.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchStartComplete(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(1, 0)

	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: countPlan(t, 5000)})
	ack := env.fake.expect(t, transport.KindQueryReceived)
	assert.Equal(t, id, ack.SubQueryID)
	_, ok := env.worker.Partition(id)
	assert.True(t, ok)

	env.send(t, &transport.ControlMessage{Kind: transport.KindStart, SubQueryID: id})
	done := env.fake.expect(t, transport.KindCompleteSuccess)
	assert.Equal(t, id, done.SubQueryID)
	assert.Eventually(t, func() bool {
		_, ok := env.worker.Partition(id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKillReportsKilledCause(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(2, 0)

	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: countPlan(t, 10)})
	env.fake.expect(t, transport.KindQueryReceived)
	env.send(t, &transport.ControlMessage{Kind: transport.KindKill, SubQueryID: id})

	msg := env.fake.expect(t, transport.KindCompleteFailure)
	assert.True(t, merr.IsKilled(msg.Err()))
}

func TestKillUnknownQuery(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(3, 0)
	env.send(t, &transport.ControlMessage{Kind: transport.KindKill, SubQueryID: id})

	msg := env.fake.expect(t, transport.KindCompleteFailure)
	assert.Equal(t, id, msg.SubQueryID)
	assert.True(t, merr.IsKilled(msg.Err()))
}

func TestBadPlanReportsFailure(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(4, 0)
	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: []byte(`{"fragments":[{"operators":[{"opType":"Nope","opId":"x"}]}]}`)})

	msg := env.fake.expect(t, transport.KindCompleteFailure)
	err := msg.Err()
	require.Error(t, err)
	assert.False(t, merr.IsKilled(err))
	assert.Contains(t, err.Error(), "Nope")
	_, ok := env.worker.Partition(id)
	assert.False(t, ok)
}

func TestRedispatchReplacesFragment(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(5, 0)

	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: countPlan(t, 10)})
	env.fake.expect(t, transport.KindQueryReceived)
	first, ok := env.worker.Partition(id)
	require.True(t, ok)

	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: countPlan(t, 10)})
	env.fake.expect(t, transport.KindQueryReceived)
	second, ok := env.worker.Partition(id)
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.True(t, first.IsKilled())

	// only the live fragment reports
	env.send(t, &transport.ControlMessage{Kind: transport.KindStart, SubQueryID: id})
	env.fake.expect(t, transport.KindCompleteSuccess)
	select {
	case msg := <-env.fake.msgs:
		t.Fatalf("unexpected %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMembershipChangesReachFragment(t *testing.T) {
	env := newTestEnv(t)
	id := middleware.NewSubQueryID(6, 0)
	env.send(t, &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: id, Plan: countPlan(t, 10)})
	env.fake.expect(t, transport.KindQueryReceived)
	qp, ok := env.worker.Partition(id)
	require.True(t, ok)

	env.send(t, &transport.ControlMessage{Kind: transport.KindRemoveWorker, SubQueryID: id, TargetNode: 2})
	assert.Eventually(t, func() bool { return qp.IsNodeMissing(2) }, 5*time.Second, 10*time.Millisecond)
	env.send(t, &transport.ControlMessage{Kind: transport.KindRecover, SubQueryID: id, TargetNode: 2})
	assert.Eventually(t, func() bool { return !qp.IsNodeMissing(2) }, 5*time.Second, 10*time.Millisecond)

	env.send(t, &transport.ControlMessage{Kind: transport.KindPause, SubQueryID: id})
	assert.Eventually(t, qp.IsPaused, 5*time.Second, 10*time.Millisecond)
	env.send(t, &transport.ControlMessage{Kind: transport.KindResume, SubQueryID: id})
	assert.Eventually(t, func() bool { return !qp.IsPaused() }, 5*time.Second, 10*time.Millisecond)
}
