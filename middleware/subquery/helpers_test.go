package subquery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/storage"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
)

var intSchema = &storage.Schema{Types: []storage.Type{storage.TypeInt64}, Names: []string{"v"}}

// failingOp fails on its first fetch.
type failingOp struct {
	name string
}

func (f *failingOp) OpName() string                      { return f.name }
func (f *failingOp) Schema() *storage.Schema             { return intSchema }
func (f *failingOp) Children() []operator.Operator       { return nil }
func (f *failingOp) Init(ec *operator.ExecContext) error { return nil }
func (f *failingOp) EOS() bool                           { return false }
func (f *failingOp) EOI() bool                           { return false }
func (f *failingOp) Cleanup() error                      { return nil }

func (f *failingOp) FetchNext(context.Context) (*storage.TupleBatch, error) {
	return nil, errors.Newf("%s exploded", f.name)
}

func newTestScheduler(t *testing.T) *task.Scheduler {
	s, err := task.NewScheduler(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close(time.Second) })
	return s
}

type recordingFlow struct {
	mu      sync.Mutex
	paused  map[exchange.ChannelID]int
	resumed map[exchange.ChannelID]int
}

func newRecordingFlow() *recordingFlow {
	return &recordingFlow{paused: map[exchange.ChannelID]int{}, resumed: map[exchange.ChannelID]int{}}
}

func (f *recordingFlow) PauseRead(ch exchange.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[ch]++
}

func (f *recordingFlow) ResumeRead(ch exchange.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed[ch]++
}

func (f *recordingFlow) counts(ch exchange.ChannelID) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[ch], f.resumed[ch]
}

type sentMessage struct {
	to  middleware.NodeID
	msg transport.ControlMessage
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) SendShortMessage(ctx context.Context, to middleware.NodeID, msg *transport.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, msg: *msg})
	return nil
}

func (s *recordingSender) to(kind transport.MessageKind) []middleware.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nodes []middleware.NodeID
	for _, m := range s.sent {
		if m.msg.Kind == kind {
			nodes = append(nodes, m.to)
		}
	}
	return nodes
}

func (s *recordingSender) find(kind transport.MessageKind) []transport.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []transport.ControlMessage
	for _, m := range s.sent {
		if m.msg.Kind == kind {
			msgs = append(msgs, m.msg)
		}
	}
	return msgs
}

// consumerRoot is a sink draining exchange exchangeID sent by sources.
func consumerRoot(name string, exchangeID int64, sources ...middleware.NodeID) operator.Root {
	return operator.NewSinkRoot(name, operator.NewConsumer(name+"-recv", intSchema, exchangeID, sources), false)
}

func newPartition(t *testing.T, id middleware.SubQueryID, flow exchange.FlowController, roots ...operator.Root) *QueryPartition {
	qp, err := NewQueryPartition(PartitionConfig{
		NodeID:           1,
		SubQueryID:       id,
		Plan:             &SubQueryPlan{RootOps: roots},
		Scheduler:        newTestScheduler(t),
		Flow:             flow,
		BufferCapacity:   4,
		RecoverTrigger:   1,
		MaxBatchesPerRun: 8,
	})
	require.NoError(t, err)
	return qp
}

func eos(id middleware.SubQueryID, exchangeID int64, from middleware.NodeID) exchange.Data {
	return exchange.NewEOS(exchange.NewChannelID(id, exchangeID, from))
}

func awaitFuture(t *testing.T, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("future did not resolve")
	}
}
