package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/generator"
	"github.com/linkflow/middleware/kv/memkv"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/merr"
)

const testHeartbeatTimeout = 200 * time.Millisecond

func newTestScheduler(t *testing.T) *task.Scheduler {
	s, err := task.NewScheduler(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close(time.Second) })
	return s
}

func newTestServer(t *testing.T, hub *transport.LocalHub) (*Server, *memkv.MemoryKV) {
	store := memkv.NewMemoryKV()
	ids := generator.NewIDGenerator(context.Background(), store, "query/id")
	require.NoError(t, ids.Start())
	t.Cleanup(ids.Close)

	srv, err := NewServer(context.Background(), Config{
		Transport:        hub.Join(middleware.CoordinatorID),
		Scheduler:        newTestScheduler(t),
		History:          store,
		IDs:              ids,
		KillTimeout:      2 * time.Second,
		HeartbeatTimeout: testHeartbeatTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)
	return srv, store
}

// fakeWorker plays a worker by hand. It acknowledges dispatches unless noAck
// is set and answers kills with a killed failure. Everything else is left to
// the test.
type fakeWorker struct {
	id    middleware.NodeID
	tr    *transport.LocalTransport
	msgs  chan *transport.ControlMessage
	noAck bool

	mu       sync.Mutex
	stopBeat context.CancelFunc
}

func newFakeWorker(t *testing.T, hub *transport.LocalHub, id middleware.NodeID) *fakeWorker {
	f := &fakeWorker{id: id, tr: hub.Join(id), msgs: make(chan *transport.ControlMessage, 128)}
	require.NoError(t, f.tr.Start(f))
	t.Cleanup(func() {
		f.silence()
		f.tr.Close()
	})
	return f
}

func (f *fakeWorker) HandleControl(ctx context.Context, msg *transport.ControlMessage) {
	switch msg.Kind {
	case transport.KindDispatch:
		if f.noAck {
			break
		}
		f.tr.SendShortMessage(ctx, middleware.CoordinatorID,
			&transport.ControlMessage{Kind: transport.KindQueryReceived, SubQueryID: msg.SubQueryID})
	case transport.KindKill:
		reply := &transport.ControlMessage{Kind: transport.KindCompleteFailure, SubQueryID: msg.SubQueryID}
		reply.SetCause(merr.Killed("killed on node %d", f.id))
		f.tr.SendShortMessage(ctx, middleware.CoordinatorID, reply)
	}
	f.msgs <- msg
}

func (f *fakeWorker) HandleData(exchange.Data) {}

func (f *fakeWorker) send(t *testing.T, msg *transport.ControlMessage) {
	require.NoError(t, f.tr.SendShortMessage(context.Background(), middleware.CoordinatorID, msg))
}

func (f *fakeWorker) register(t *testing.T, instance string) {
	f.send(t, &transport.ControlMessage{Kind: transport.KindRegister, InstanceID: instance})
}

// beat keeps sending heartbeats until silence is called.
func (f *fakeWorker) beat(instance string) {
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.stopBeat = cancel
	f.mu.Unlock()
	go func() {
		ticker := time.NewTicker(testHeartbeatTimeout / 5)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.tr.SendShortMessage(ctx, middleware.CoordinatorID,
					&transport.ControlMessage{Kind: transport.KindHeartbeat, InstanceID: instance})
			}
		}
	}()
}

func (f *fakeWorker) silence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopBeat != nil {
		f.stopBeat()
		f.stopBeat = nil
	}
}

func (f *fakeWorker) complete(t *testing.T, id middleware.SubQueryID) {
	f.send(t, &transport.ControlMessage{Kind: transport.KindCompleteSuccess, SubQueryID: id})
}

func (f *fakeWorker) expect(t *testing.T, kind transport.MessageKind) *transport.ControlMessage {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.msgs:
			if msg.Kind == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("node %d got no %s message", f.id, kind)
			return nil
		}
	}
}

func (f *fakeWorker) expectNone(t *testing.T, kind transport.MessageKind, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case msg := <-f.msgs:
			if msg.Kind == kind {
				t.Fatalf("node %d got an unexpected %s message", f.id, kind)
			}
		case <-timeout:
			return
		}
	}
}

// startFakes registers and starts beating a fake worker per id.
func startFakes(t *testing.T, hub *transport.LocalHub, ids ...middleware.NodeID) []*fakeWorker {
	fakes := make([]*fakeWorker, 0, len(ids))
	for _, id := range ids {
		f := newFakeWorker(t, hub, id)
		f.register(t, "instance-a")
		f.beat("instance-a")
		fakes = append(fakes, f)
	}
	return fakes
}

func awaitQuery(t *testing.T, srv *Server, id middleware.SubQueryID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Await(ctx, id)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}
