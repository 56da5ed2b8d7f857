package subquery

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/metrics"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/utils"
	"github.com/linkflow/utils/future"
)

// PartitionConfig holds what a QueryPartition needs besides its plan.
type PartitionConfig struct {
	NodeID           middleware.NodeID
	SubQueryID       middleware.SubQueryID
	Plan             *SubQueryPlan
	Scheduler        *task.Scheduler
	Flow             exchange.FlowController
	Sender           operator.DataSender
	BufferCapacity   int
	RecoverTrigger   int
	MaxBatchesPerRun int
	Env              map[string]string
}

type consumerChannel struct {
	consumer *operator.Consumer
	buffer   *exchange.InputBuffer
	task     *task.Task
}

type pauseState struct {
	fut    *future.Future
	parked *utils.ConcurrentSet[int64]
}

// QueryPartition runs every task of one node's fragment of a subquery and
// folds their outcomes into one.
type QueryPartition struct {
	nodeID middleware.NodeID
	id     middleware.SubQueryID
	plan   *SubQueryPlan
	sender operator.DataSender
	env    map[string]string

	tasks []*task.Task
	// finished guards against a task reporting twice.
	finished map[*task.Task]*atomic.Bool

	// built in the constructor, read only afterwards
	producerChannels map[exchange.ChannelID]*operator.Producer
	consumerChannels map[exchange.ChannelID]*consumerChannel

	numFinished atomic.Int32
	failMu      sync.Mutex
	failed      []error

	killed   atomic.Bool
	started  atomic.Bool
	pause    atomic.Pointer[pauseState]
	priority atomic.Int32
	missing  *utils.ConcurrentSet[middleware.NodeID]

	fut   *future.Future
	stats ExecutionStatistics
	ctx   context.Context
}

// NewQueryPartition builds one task per root operator and wires the input
// buffers of its consumers to the flow controller.
func NewQueryPartition(cfg PartitionConfig) (*QueryPartition, error) {
	if cfg.Plan == nil {
		return nil, errors.New("partition without plan")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("partition without scheduler")
	}
	qp := &QueryPartition{
		nodeID:           cfg.NodeID,
		id:               cfg.SubQueryID,
		plan:             cfg.Plan,
		sender:           cfg.Sender,
		env:              cfg.Env,
		finished:         make(map[*task.Task]*atomic.Bool),
		producerChannels: make(map[exchange.ChannelID]*operator.Producer),
		consumerChannels: make(map[exchange.ChannelID]*consumerChannel),
		missing:          utils.NewConcurrentSet[middleware.NodeID](),
	}
	qp.fut = future.New(qp)
	qp.ctx = log.WithFields(context.Background(),
		zap.Stringer("subQuery", qp.id), zap.Int32("node", qp.nodeID))

	seen := make(map[operator.Operator]bool)
	for _, root := range cfg.Plan.RootOps {
		if seen[root] {
			return nil, errors.Newf("root operator %s appears twice", root.OpName())
		}
		seen[root] = true
		t := task.New(cfg.NodeID, qp, root, cfg.Scheduler, cfg.MaxBatchesPerRun)
		qp.tasks = append(qp.tasks, t)
		qp.finished[t] = atomic.NewBool(false)

		for _, p := range t.Producers() {
			for _, dest := range p.Destinations() {
				qp.producerChannels[exchange.NewChannelID(qp.id, p.ExchangeID(), dest)] = p
			}
		}
		for _, c := range t.Consumers() {
			if err := qp.installInputBuffer(cfg, t, c); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range qp.tasks {
		t := t
		t.ExecutionFuture().AddListener(func(f *future.Future) {
			qp.onTaskDone(t, f)
		})
	}
	return qp, nil
}

func (qp *QueryPartition) installInputBuffer(cfg PartitionConfig, t *task.Task, c *operator.Consumer) error {
	buf, err := exchange.NewInputBuffer(cfg.BufferCapacity, cfg.RecoverTrigger)
	if err != nil {
		return err
	}
	if err := c.SetInputBuffer(buf); err != nil {
		return err
	}
	var channels []exchange.ChannelID
	for _, src := range c.SourceNodes() {
		ch := exchange.NewChannelID(qp.id, c.ExchangeID(), src)
		if _, dup := qp.consumerChannels[ch]; dup {
			return errors.Newf("channel %s consumed twice", ch)
		}
		qp.consumerChannels[ch] = &consumerChannel{consumer: c, buffer: buf, task: t}
		channels = append(channels, ch)
	}

	if cfg.Flow != nil {
		flow := cfg.Flow
		node := cfg.NodeID
		buf.AddFullListener(func(*exchange.InputBuffer) {
			metrics.InputBufferFullTotal.WithLabelValues(nodeLabel(node)).Inc()
			for _, ch := range channels {
				flow.PauseRead(ch)
			}
		})
		resume := func(*exchange.InputBuffer) {
			for _, ch := range channels {
				flow.ResumeRead(ch)
			}
		}
		buf.AddRecoverListener(resume)
		buf.AddEmptyListener(resume)
	}
	buf.AddNewDataListener(func(*exchange.InputBuffer) {
		t.Wake()
	})
	return nil
}

func (qp *QueryPartition) SubQueryID() middleware.SubQueryID {
	return qp.id
}

func (qp *QueryPartition) NodeID() middleware.NodeID {
	return qp.nodeID
}

func (qp *QueryPartition) Priority() int32 {
	return qp.priority.Load()
}

func (qp *QueryPartition) SetPriority(p int32) {
	qp.priority.Store(p)
}

func (qp *QueryPartition) ExecutionFuture() *future.Future {
	return qp.fut
}

func (qp *QueryPartition) FTMode() FTMode {
	return qp.plan.FTMode
}

func (qp *QueryPartition) Statistics() *ExecutionStatistics {
	return &qp.stats
}

func (qp *QueryPartition) Tasks() []*task.Task {
	return qp.tasks
}

func (qp *QueryPartition) IsKilled() bool {
	return qp.killed.Load()
}

func (qp *QueryPartition) IsStarted() bool {
	return qp.started.Load()
}

// ProducerChannels returns the channels the fragment sends on.
func (qp *QueryPartition) ProducerChannels() []exchange.ChannelID {
	ids := make([]exchange.ChannelID, 0, len(qp.producerChannels))
	for id := range qp.producerChannels {
		ids = append(ids, id)
	}
	return ids
}

// ConsumerChannels returns the channels the fragment receives on.
func (qp *QueryPartition) ConsumerChannels() []exchange.ChannelID {
	ids := make([]exchange.ChannelID, 0, len(qp.consumerChannels))
	for id := range qp.consumerChannels {
		ids = append(ids, id)
	}
	return ids
}

// Init initializes every task with the environment of the fragment.
func (qp *QueryPartition) Init() {
	ec := &operator.ExecContext{
		NodeID:        qp.nodeID,
		SubQueryID:    qp.id,
		Env:           qp.env,
		Sender:        qp.sender,
		IsNodeMissing: qp.IsNodeMissing,
	}
	for _, t := range qp.tasks {
		t.Init(ec)
	}
}

// StartExecution starts every task without waiting for them.
func (qp *QueryPartition) StartExecution() {
	if !qp.started.CompareAndSwap(false, true) {
		return
	}
	qp.stats.MarkStart()
	log.Ctx(qp.ctx).Debug("start fragment", zap.Int("tasks", len(qp.tasks)))
	if len(qp.tasks) == 0 {
		qp.stats.MarkEnd()
		qp.fut.SetSuccess()
		return
	}
	for _, t := range qp.tasks {
		t.Execute()
	}
}

func (qp *QueryPartition) onTaskDone(t *task.Task, f *future.Future) {
	if !qp.finished[t].CompareAndSwap(false, true) {
		log.Ctx(qp.ctx).Warn("task reported completion twice", zap.String("task", t.Name()))
		return
	}
	t.Cleanup()
	if cause := f.Cause(); cause != nil {
		qp.failMu.Lock()
		qp.failed = append(qp.failed, cause)
		qp.failMu.Unlock()
		log.Ctx(qp.ctx).Debug("task failed", zap.String("task", t.Name()), zap.Error(cause))
	}

	// every failure is recorded before the count can reach the total
	n := qp.numFinished.Inc()
	if ps := qp.pause.Load(); ps != nil {
		qp.checkPaused(ps)
	}
	if int(n) < len(qp.tasks) {
		return
	}

	qp.stats.MarkEnd()
	qp.failMu.Lock()
	var first error
	if len(qp.failed) > 0 {
		first = qp.failed[0]
	}
	qp.failMu.Unlock()
	if first == nil {
		qp.fut.SetSuccess()
	} else {
		qp.fut.SetFailure(first)
	}
}

// ShouldPark is asked by every task before it drives.
func (qp *QueryPartition) ShouldPark(t *task.Task) bool {
	ps := qp.pause.Load()
	if ps == nil {
		return false
	}
	ps.parked.Insert(t.ID())
	qp.checkPaused(ps)
	return true
}

func (qp *QueryPartition) checkPaused(ps *pauseState) {
	stopped := 0
	for _, t := range qp.tasks {
		if t.ExecutionFuture().IsDone() || ps.parked.Contain(t.ID()) {
			stopped++
		}
	}
	if stopped == len(qp.tasks) {
		ps.fut.SetSuccess()
	}
}

// Pause returns a future resolved once every task is parked or finished.
// Concurrent pauses share one future.
func (qp *QueryPartition) Pause() *future.Future {
	ps := &pauseState{fut: future.New(qp), parked: utils.NewConcurrentSet[int64]()}
	for !qp.pause.CompareAndSwap(nil, ps) {
		if cur := qp.pause.Load(); cur != nil {
			return cur.fut
		}
	}
	for _, t := range qp.tasks {
		t.Wake()
	}
	qp.checkPaused(ps)
	return ps.fut
}

// Resume clears the pause. It succeeds at once, paused or not.
func (qp *QueryPartition) Resume() *future.Future {
	ps := qp.pause.Swap(nil)
	if ps == nil {
		return future.Succeeded(qp)
	}
	ps.fut.SetFailure(errors.New("pause interrupted by resume"))
	for _, t := range qp.tasks {
		t.Wake()
	}
	return future.Succeeded(qp)
}

func (qp *QueryPartition) IsPaused() bool {
	return qp.pause.Load() != nil
}

// Kill asks every task to stop. Termination shows up in the execution future.
func (qp *QueryPartition) Kill() {
	if !qp.killed.CompareAndSwap(false, true) {
		return
	}
	log.Ctx(qp.ctx).Info("kill fragment")
	for _, t := range qp.tasks {
		t.Kill()
	}
}

// DeliverData hands incoming data to the consumer of its channel. Data for an
// unknown or finished channel is dropped.
func (qp *QueryPartition) DeliverData(d exchange.Data) bool {
	cc, ok := qp.consumerChannels[d.Channel]
	if !ok {
		log.Ctx(qp.ctx).Debug("drop data for unknown channel", zap.Stringer("channel", d.Channel))
		return false
	}
	return cc.buffer.Offer(d)
}

// UpdateProducerChannels enables or disables the output channels towards node.
func (qp *QueryPartition) UpdateProducerChannels(node middleware.NodeID, enable bool) {
	for ch, p := range qp.producerChannels {
		if ch.NodeID == node {
			p.UpdateChannel(node, enable)
		}
	}
	qp.TriggerEosEoiCheck()
}

// MarkNodeMissing makes consumers stop waiting for node and producers stop
// sending to it.
func (qp *QueryPartition) MarkNodeMissing(node middleware.NodeID) {
	if qp.missing.Insert(node) {
		log.Ctx(qp.ctx).Info("node left the fragment", zap.Int32("missing", node))
	}
	qp.UpdateProducerChannels(node, false)
}

// RestoreNode undoes MarkNodeMissing for a node that rejoined.
func (qp *QueryPartition) RestoreNode(node middleware.NodeID) {
	qp.missing.Remove(node)
	qp.UpdateProducerChannels(node, true)
}

func (qp *QueryPartition) IsNodeMissing(node middleware.NodeID) bool {
	return qp.missing.Contain(node)
}

// TriggerEosEoiCheck wakes every task so consumers notice departed sources.
func (qp *QueryPartition) TriggerEosEoiCheck() {
	for _, t := range qp.tasks {
		t.Wake()
	}
}
