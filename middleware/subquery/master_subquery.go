package subquery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/metrics"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils"
	"github.com/linkflow/utils/future"
	"github.com/linkflow/utils/merr"
)

// ControlSender sends control messages to other nodes.
type ControlSender interface {
	SendShortMessage(ctx context.Context, to middleware.NodeID, msg *transport.ControlMessage) error
}

// nodeState is the bookkeeping of one node of a MasterSubQuery.
type nodeState struct {
	nodeID    middleware.NodeID
	plan      *SubQueryPlan
	received  *future.Future
	completed *future.Future
}

// MasterOptions tune a MasterSubQuery.
type MasterOptions struct {
	// KillTimeout bounds the wait for kill deliveries.
	KillTimeout time.Duration
}

// MasterSubQuery coordinates one subquery across all of its nodes, running the
// coordinator's own fragment as one of them.
type MasterSubQuery struct {
	subQuery *SubQuery
	fragment *QueryPartition
	sender   ControlSender
	opts     MasterOptions

	// keyed by node id, the coordinator included; fixed at construction
	nodes map[middleware.NodeID]*nodeState

	nowReceived  atomic.Int32
	nowCompleted atomic.Int32
	allReceived  *future.Future
	fut          *future.Future

	failMu   sync.Mutex
	failures map[middleware.NodeID]error

	killed   atomic.Bool
	priority atomic.Int32
	missing  *utils.ConcurrentSet[middleware.NodeID]
	stats    ExecutionStatistics
	ctx      context.Context
}

// NewMasterSubQuery builds the node bookkeeping of sq. fragment runs the
// master plan on the coordinator.
func NewMasterSubQuery(sq *SubQuery, fragment *QueryPartition, sender ControlSender, opts MasterOptions) (*MasterSubQuery, error) {
	if sq == nil || fragment == nil {
		return nil, errors.New("master subquery needs a subquery and a coordinator fragment")
	}
	if fragment.SubQueryID() != sq.ID {
		return nil, errors.Newf("fragment of %s cannot run %s", fragment.SubQueryID(), sq.ID)
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 10 * time.Second
	}
	mq := &MasterSubQuery{
		subQuery: sq,
		fragment: fragment,
		sender:   sender,
		opts:     opts,
		nodes:    make(map[middleware.NodeID]*nodeState, len(sq.WorkerPlans)+1),
		failures: make(map[middleware.NodeID]error),
		missing:  utils.NewConcurrentSet[middleware.NodeID](),
	}
	mq.allReceived = future.New(mq)
	mq.fut = future.New(mq)
	mq.ctx = log.WithFields(context.Background(), zap.Stringer("subQuery", sq.ID), zap.String("role", metrics.RoleMaster))

	mq.addNode(middleware.CoordinatorID, sq.MasterPlan)
	for node, plan := range sq.WorkerPlans {
		mq.addNode(node, plan)
	}

	fragment.ExecutionFuture().AddListener(func(f *future.Future) {
		if f.IsSuccess() {
			mq.WorkerComplete(middleware.CoordinatorID)
		} else {
			mq.WorkerFail(middleware.CoordinatorID, f.Cause())
		}
	})
	return mq, nil
}

func (mq *MasterSubQuery) addNode(node middleware.NodeID, plan *SubQueryPlan) {
	ns := &nodeState{nodeID: node, plan: plan}
	ns.received = future.New(ns)
	ns.completed = future.New(ns)
	mq.nodes[node] = ns
}

func (mq *MasterSubQuery) SubQueryID() middleware.SubQueryID {
	return mq.subQuery.ID
}

func (mq *MasterSubQuery) SubQuery() *SubQuery {
	return mq.subQuery
}

func (mq *MasterSubQuery) Fragment() *QueryPartition {
	return mq.fragment
}

func (mq *MasterSubQuery) Priority() int32 {
	return mq.priority.Load()
}

func (mq *MasterSubQuery) SetPriority(p int32) {
	mq.priority.Store(p)
	mq.fragment.SetPriority(p)
}

func (mq *MasterSubQuery) FTMode() FTMode {
	return mq.subQuery.MasterPlan.FTMode
}

func (mq *MasterSubQuery) ExecutionFuture() *future.Future {
	return mq.fut
}

// AllReceivedFuture resolves once every node acknowledged its plan.
func (mq *MasterSubQuery) AllReceivedFuture() *future.Future {
	return mq.allReceived
}

func (mq *MasterSubQuery) Statistics() *ExecutionStatistics {
	return &mq.stats
}

func (mq *MasterSubQuery) IsKilled() bool {
	return mq.killed.Load()
}

// Workers returns the worker ids in ascending order.
func (mq *MasterSubQuery) Workers() []middleware.NodeID {
	return mq.subQuery.Workers()
}

// WorkerPlan returns the plan of a worker.
func (mq *MasterSubQuery) WorkerPlan(node middleware.NodeID) (*SubQueryPlan, bool) {
	plan, ok := mq.subQuery.WorkerPlans[node]
	return plan, ok
}

// IsNodeCompleted reports whether node reached a final state.
func (mq *MasterSubQuery) IsNodeCompleted(node middleware.NodeID) bool {
	ns, ok := mq.nodes[node]
	return ok && ns.completed.IsDone()
}

// IsNodeReceived reports whether node acknowledged its plan.
func (mq *MasterSubQuery) IsNodeReceived(node middleware.NodeID) bool {
	ns, ok := mq.nodes[node]
	return ok && ns.received.IsDone()
}

// UnfinishedWorkers returns the workers that have not completed.
func (mq *MasterSubQuery) UnfinishedWorkers() []middleware.NodeID {
	var ids []middleware.NodeID
	for id, ns := range mq.nodes {
		if id != middleware.CoordinatorID && !ns.completed.IsDone() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Init initializes the coordinator fragment, which counts as received.
func (mq *MasterSubQuery) Init() {
	mq.fragment.Init()
	mq.QueryReceivedByWorker(middleware.CoordinatorID)
}

// StartExecution starts the coordinator fragment. Workers are started by
// whoever dispatched their plans.
func (mq *MasterSubQuery) StartExecution() {
	mq.stats.MarkStart()
	mq.fragment.StartExecution()
}

// QueryReceivedByWorker records the plan acknowledgement of node. A second
// acknowledgement comes from a replacement instance: it is started at once and
// the other running nodes are told to recover its data.
func (mq *MasterSubQuery) QueryReceivedByWorker(node middleware.NodeID) {
	ns, ok := mq.nodes[node]
	if !ok {
		log.Ctx(mq.ctx).Warn("plan acknowledged by unknown node", zap.Int32("node", node))
		return
	}
	if !ns.received.SetSuccess() {
		log.Ctx(mq.ctx).Info("recovered node acknowledged its plan", zap.Int32("node", node))
		go mq.recoverNode(node)
		return
	}
	if int(mq.nowReceived.Inc()) == len(mq.nodes) {
		mq.allReceived.SetSuccess()
	}
}

func (mq *MasterSubQuery) recoverNode(node middleware.NodeID) {
	mq.missing.Remove(node)
	mq.fragment.RestoreNode(node)

	ctx, cancel := context.WithTimeout(context.Background(), mq.opts.KillTimeout)
	defer cancel()
	start := &transport.ControlMessage{Kind: transport.KindStart, SubQueryID: mq.subQuery.ID}
	if err := mq.sender.SendShortMessage(ctx, node, start); err != nil {
		log.Ctx(mq.ctx).Warn("failed to start recovered node", zap.Int32("node", node), zap.Error(err))
	}
	var others []middleware.NodeID
	for _, id := range mq.UnfinishedWorkers() {
		if id != node {
			others = append(others, id)
		}
	}
	recoverMsg := &transport.ControlMessage{Kind: transport.KindRecover, SubQueryID: mq.subQuery.ID, TargetNode: node}
	if err := mq.broadcast(ctx, others, recoverMsg); err != nil {
		log.Ctx(mq.ctx).Warn("failed to announce recovery", zap.Int32("node", node), zap.Error(err))
	}
}

// WorkerComplete records the success of node.
func (mq *MasterSubQuery) WorkerComplete(node middleware.NodeID) {
	ns, ok := mq.nodes[node]
	if !ok {
		log.Ctx(mq.ctx).Warn("completion from unknown node", zap.Int32("node", node))
		return
	}
	if !ns.completed.SetSuccess() {
		log.Ctx(mq.ctx).Debug("node completed twice", zap.Int32("node", node))
		return
	}
	mq.nodeDone()
}

// WorkerFail records the failure of node according to the fault tolerance mode.
func (mq *MasterSubQuery) WorkerFail(node middleware.NodeID, cause error) {
	ns, ok := mq.nodes[node]
	if !ok {
		log.Ctx(mq.ctx).Warn("failure from unknown node", zap.Int32("node", node), zap.Error(cause))
		return
	}
	if ns.completed.IsDone() {
		return
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	if mq.FTMode() == FTRejoin && merr.IsLostHeartbeat(cause) && node != middleware.CoordinatorID {
		log.Ctx(mq.ctx).Info("node lost, waiting for it to rejoin", zap.Int32("node", node), zap.Error(cause))
		return
	}
	mq.onNodeFailure(ns, cause)
}

// onNodeFailure is the single place where the fault tolerance mode decides.
func (mq *MasterSubQuery) onNodeFailure(ns *nodeState, cause error) {
	node := ns.nodeID
	switch {
	case merr.IsKilled(cause):
		mq.recordFailure(ns, cause)
	case mq.FTMode() == FTNone || node == middleware.CoordinatorID:
		log.Ctx(mq.ctx).Warn("node failed, killing the query", zap.Int32("node", node), zap.Error(cause))
		if !mq.recordFailure(ns, cause) {
			return
		}
		if mq.markKilled() {
			go func() {
				if err := mq.killRemote(); err != nil {
					log.Ctx(mq.ctx).Warn("kill broadcast incomplete", zap.Error(err))
				}
			}()
		}
	default:
		// abandon, or rejoin with a cause that will not heal
		log.Ctx(mq.ctx).Warn("node failed, abandoning it", zap.Int32("node", node),
			zap.Stringer("ftMode", mq.FTMode()), zap.Error(cause))
		if !ns.completed.SetFailure(cause) {
			return
		}
		mq.abandonNode(node)
		mq.nodeDone()
	}
}

// recordFailure keeps cause only if it is what completed node. Completion and
// the failure entry change together under failMu, so a racing success never
// leaves a failure behind.
func (mq *MasterSubQuery) recordFailure(ns *nodeState, cause error) bool {
	mq.failMu.Lock()
	if !ns.completed.SetFailure(cause) {
		mq.failMu.Unlock()
		return false
	}
	mq.failures[ns.nodeID] = cause
	mq.failMu.Unlock()
	mq.nodeDone()
	return true
}

// abandonNode makes the remaining nodes stop waiting for node.
func (mq *MasterSubQuery) abandonNode(node middleware.NodeID) {
	mq.missing.Insert(node)
	mq.fragment.MarkNodeMissing(node)
	others := mq.UnfinishedWorkers()
	if len(others) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mq.opts.KillTimeout)
		defer cancel()
		msg := &transport.ControlMessage{Kind: transport.KindRemoveWorker, SubQueryID: mq.subQuery.ID, TargetNode: node}
		if err := mq.broadcast(ctx, others, msg); err != nil {
			log.Ctx(mq.ctx).Warn("failed to announce abandoned node", zap.Int32("node", node), zap.Error(err))
		}
	}()
}

func (mq *MasterSubQuery) nodeDone() {
	if int(mq.nowCompleted.Inc()) < len(mq.nodes) {
		return
	}
	mq.stats.MarkEnd()

	mq.failMu.Lock()
	failures := make(map[middleware.NodeID]error, len(mq.failures))
	for id, cause := range mq.failures {
		failures[id] = cause
	}
	mq.failMu.Unlock()

	var result error
	agg := merr.NewAggregateError(mq.subQuery.ID, failures)
	switch {
	case agg != nil:
		result = agg
	case mq.killed.Load() || len(failures) > 0:
		result = merr.Killed("query %s killed", mq.subQuery.ID)
	}

	metrics.SubQueryTotal.WithLabelValues(metrics.RoleMaster, metrics.StatusOf(result, agg == nil)).Inc()
	metrics.SubQueryLatency.WithLabelValues(metrics.RoleMaster).Observe(mq.stats.Elapsed().Seconds())
	if result == nil {
		log.Ctx(mq.ctx).Info("subquery succeeded", zap.Duration("elapsed", mq.stats.Elapsed()))
		mq.fut.SetSuccess()
		return
	}
	log.Ctx(mq.ctx).Info("subquery finished with failure", zap.Duration("elapsed", mq.stats.Elapsed()), zap.Error(result))
	mq.fut.SetFailure(result)
}

func (mq *MasterSubQuery) markKilled() bool {
	return mq.killed.CompareAndSwap(false, true)
}

// Kill kills the query on every node. Only the first call has an effect.
func (mq *MasterSubQuery) Kill() {
	if err := mq.KillAndWait(); err != nil {
		log.Ctx(mq.ctx).Warn("kill broadcast incomplete", zap.Error(err))
	}
}

// KillAndWait kills the query and waits until every unfinished worker
// accepted the kill message. It does not wait for the workers to stop.
func (mq *MasterSubQuery) KillAndWait() error {
	if !mq.markKilled() {
		return nil
	}
	log.Ctx(mq.ctx).Info("kill subquery")
	return mq.killRemote()
}

func (mq *MasterSubQuery) killRemote() error {
	mq.fragment.Kill()

	var reachable []middleware.NodeID
	for _, id := range mq.UnfinishedWorkers() {
		if mq.missing.Contain(id) {
			// a departed node will not answer
			mq.WorkerFail(id, merr.Killed("query %s killed while node %d was gone", mq.subQuery.ID, id))
			continue
		}
		reachable = append(reachable, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), mq.opts.KillTimeout)
	defer cancel()
	msg := &transport.ControlMessage{Kind: transport.KindKill, SubQueryID: mq.subQuery.ID}
	return mq.broadcast(ctx, reachable, msg)
}

// broadcast delivers msg to every node of to, even when some are unreachable.
func (mq *MasterSubQuery) broadcast(ctx context.Context, to []middleware.NodeID, msg *transport.ControlMessage) error {
	var g errgroup.Group
	for _, id := range to {
		id := id
		g.Go(func() error {
			return mq.sender.SendShortMessage(ctx, id, msg)
		})
	}
	return g.Wait()
}

// Pause pauses the coordinator fragment.
func (mq *MasterSubQuery) Pause() *future.Future {
	return mq.fragment.Pause()
}

// Resume resumes the coordinator fragment.
func (mq *MasterSubQuery) Resume() *future.Future {
	return mq.fragment.Resume()
}

// NodeLost marks node as gone: the coordinator stops sending to it and, unless
// it is expected to rejoin, stops waiting for its data.
func (mq *MasterSubQuery) NodeLost(node middleware.NodeID) {
	if _, ok := mq.nodes[node]; !ok || node == middleware.CoordinatorID {
		return
	}
	mq.missing.Insert(node)
	mq.UpdateProducerChannels(node, false)
	if mq.FTMode() != FTRejoin {
		mq.fragment.MarkNodeMissing(node)
	}
	if mq.killed.Load() {
		mq.WorkerFail(node, merr.Killed("query %s killed while node %d was gone", mq.subQuery.ID, node))
	}
}

// IsNodeMissing reports whether node was declared gone.
func (mq *MasterSubQuery) IsNodeMissing(node middleware.NodeID) bool {
	return mq.missing.Contain(node)
}

// MissingNodes returns the nodes declared gone.
func (mq *MasterSubQuery) MissingNodes() []middleware.NodeID {
	return mq.missing.Collect()
}

// UpdateProducerChannels enables or disables the coordinator channels towards node.
func (mq *MasterSubQuery) UpdateProducerChannels(node middleware.NodeID, enable bool) {
	mq.fragment.UpdateProducerChannels(node, enable)
}

// TriggerFragmentEosEoiCheck gives the coordinator fragment a chance to end
// its streams after a peer departed.
func (mq *MasterSubQuery) TriggerFragmentEosEoiCheck() {
	mq.fragment.TriggerEosEoiCheck()
}
