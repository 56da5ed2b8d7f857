// Package worker runs the plan fragments the master dispatches to this node.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/future"
	"github.com/linkflow/utils/merr"
)

type Config struct {
	NodeID    middleware.NodeID
	Transport transport.Transport
	Scheduler *task.Scheduler

	BufferCapacity    int
	RecoverTrigger    int
	MaxBatchesPerRun  int
	Env               map[string]string
	HeartbeatInterval time.Duration
	// RPCTimeout bounds every message the worker sends to the master.
	RPCTimeout time.Duration
	// Address is advertised to the master so that it can dial back.
	Address string
}

// Worker hosts the fragments of one node. It implements transport.Handler.
type Worker struct {
	cfg        Config
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	partitions map[middleware.SubQueryID]*subquery.QueryPartition
}

var _ transport.Handler = (*Worker)(nil)

func NewWorker(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Transport == nil || cfg.Scheduler == nil {
		return nil, errors.New("worker needs a transport and a scheduler")
	}
	if cfg.NodeID <= middleware.CoordinatorID {
		return nil, errors.Newf("invalid worker id %d", cfg.NodeID)
	}
	if cfg.Transport.MyID() != cfg.NodeID {
		return nil, errors.Newf("worker %d cannot use the transport of node %d", cfg.NodeID, cfg.Transport.MyID())
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	ctx1, cancel := context.WithCancel(ctx)
	return &Worker{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		ctx:        log.WithFields(ctx1, zap.Int32("node", cfg.NodeID)),
		cancel:     cancel,
		partitions: make(map[middleware.SubQueryID]*subquery.QueryPartition),
	}, nil
}

// InstanceID identifies this incarnation of the node.
func (w *Worker) InstanceID() string {
	return w.instanceID
}

// Start serves messages, registers at the master and keeps sending heartbeats.
// A failed registration is retried by the heartbeats.
func (w *Worker) Start() error {
	if err := w.cfg.Transport.Start(w); err != nil {
		return errors.Wrap(err, "start worker transport")
	}
	if err := w.send(transport.KindRegister); err != nil {
		log.Ctx(w.ctx).Warn("failed to register at master", zap.Error(err))
	} else {
		log.Ctx(w.ctx).Info("worker registered", zap.String("instance", w.instanceID))
	}
	w.wg.Add(1)
	go w.heartbeatLoop()
	return nil
}

// Close stops the heartbeats and kills the local fragments without reporting
// them, as a crashed process would.
func (w *Worker) Close() {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	w.mu.Lock()
	partitions := make([]*subquery.QueryPartition, 0, len(w.partitions))
	for _, qp := range w.partitions {
		partitions = append(partitions, qp)
	}
	w.partitions = make(map[middleware.SubQueryID]*subquery.QueryPartition)
	w.mu.Unlock()
	for _, qp := range partitions {
		qp.Kill()
	}
	log.Ctx(w.ctx).Info("worker closed", zap.Int("killedFragments", len(partitions)))
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.send(transport.KindHeartbeat); err != nil {
				log.Ctx(w.ctx).Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) send(kind transport.MessageKind) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.RPCTimeout)
	defer cancel()
	msg := &transport.ControlMessage{Kind: kind, InstanceID: w.instanceID, Address: w.cfg.Address}
	return w.cfg.Transport.SendShortMessage(ctx, middleware.CoordinatorID, msg)
}

// Partition returns the running fragment of a subquery.
func (w *Worker) Partition(id middleware.SubQueryID) (*subquery.QueryPartition, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	qp, ok := w.partitions[id]
	return qp, ok
}

// HandleControl serves the messages of the master.
func (w *Worker) HandleControl(ctx context.Context, msg *transport.ControlMessage) {
	if msg.Kind == transport.KindDispatch {
		w.dispatch(msg)
		return
	}

	qp, ok := w.Partition(msg.SubQueryID)
	if !ok {
		if msg.Kind == transport.KindKill {
			// the fragment never existed or already reported
			w.reportDone(msg.SubQueryID, merr.Killed("query %s killed before it ran on node %d", msg.SubQueryID, w.cfg.NodeID))
			return
		}
		log.Ctx(w.ctx).Debug("control message for unknown query", zap.Stringer("msg", msg))
		return
	}
	switch msg.Kind {
	case transport.KindStart:
		qp.StartExecution()
	case transport.KindKill:
		qp.Kill()
	case transport.KindRecover:
		log.Ctx(w.ctx).Info("peer recovered", zap.Stringer("subQuery", msg.SubQueryID), zap.Int32("target", msg.TargetNode))
		qp.RestoreNode(msg.TargetNode)
	case transport.KindRemoveWorker:
		qp.MarkNodeMissing(msg.TargetNode)
	case transport.KindPause:
		qp.Pause()
	case transport.KindResume:
		qp.Resume()
	default:
		log.Ctx(w.ctx).Warn("unexpected control message at worker", zap.Stringer("msg", msg))
	}
}

// dispatch builds the fragment, acknowledges it and initializes it. The
// acknowledgement precedes the start message, which the master only sends once
// every node acknowledged.
func (w *Worker) dispatch(msg *transport.ControlMessage) {
	id := msg.SubQueryID
	ctx := log.WithFields(w.ctx, zap.Stringer("subQuery", id))

	plan, err := encoding.DecodePlan(msg.Plan)
	if err != nil {
		log.Ctx(ctx).Warn("failed to decode plan", zap.Error(err))
		w.reportDone(id, err)
		return
	}
	qp, err := subquery.NewQueryPartition(subquery.PartitionConfig{
		NodeID:           w.cfg.NodeID,
		SubQueryID:       id,
		Plan:             plan,
		Scheduler:        w.cfg.Scheduler,
		Flow:             w.cfg.Transport,
		Sender:           w.cfg.Transport,
		BufferCapacity:   w.cfg.BufferCapacity,
		RecoverTrigger:   w.cfg.RecoverTrigger,
		MaxBatchesPerRun: w.cfg.MaxBatchesPerRun,
		Env:              w.cfg.Env,
	})
	if err != nil {
		log.Ctx(ctx).Warn("failed to build fragment", zap.Error(err))
		w.reportDone(id, err)
		return
	}

	w.mu.Lock()
	stale, replaced := w.partitions[id]
	w.partitions[id] = qp
	w.mu.Unlock()
	if replaced {
		log.Ctx(ctx).Info("replacing stale fragment")
		stale.Kill()
	}

	ackCtx, cancel := context.WithTimeout(w.ctx, w.cfg.RPCTimeout)
	defer cancel()
	ack := &transport.ControlMessage{Kind: transport.KindQueryReceived, SubQueryID: id}
	if err := w.cfg.Transport.SendShortMessage(ackCtx, middleware.CoordinatorID, ack); err != nil {
		log.Ctx(ctx).Warn("failed to acknowledge plan", zap.Error(err))
		w.remove(id, qp)
		qp.Kill()
		return
	}

	qp.Init()
	qp.ExecutionFuture().AddListener(func(f *future.Future) {
		// a replaced or closed fragment does not report
		if !w.remove(id, qp) {
			return
		}
		w.reportDone(id, f.Cause())
	})
	log.Ctx(ctx).Info("fragment received", zap.Int("tasks", len(qp.Tasks())), zap.Stringer("ftMode", plan.FTMode))
}

// remove drops qp if it is still the fragment of id.
func (w *Worker) remove(id middleware.SubQueryID, qp *subquery.QueryPartition) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.partitions[id]; !ok || cur != qp {
		return false
	}
	delete(w.partitions, id)
	return true
}

// reportDone tells the master how the fragment of id ended. It does not block
// the caller, which may be a task goroutine or the control loop.
func (w *Worker) reportDone(id middleware.SubQueryID, cause error) {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	msg := &transport.ControlMessage{Kind: transport.KindCompleteSuccess, SubQueryID: id}
	if cause != nil {
		msg.Kind = transport.KindCompleteFailure
		msg.SetCause(cause)
	}
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.RPCTimeout)
		defer cancel()
		if err := w.cfg.Transport.SendShortMessage(ctx, middleware.CoordinatorID, msg); err != nil {
			log.Ctx(w.ctx).Warn("failed to report fragment outcome", zap.Stringer("subQuery", id), zap.Error(err))
		}
	}()
}

// HandleData feeds the fragment the data belongs to.
func (w *Worker) HandleData(d exchange.Data) {
	qp, ok := w.Partition(d.Channel.SubQueryID)
	if !ok {
		log.Ctx(w.ctx).Debug("drop data for unknown query", zap.Stringer("channel", d.Channel))
		return
	}
	qp.DeliverData(d)
}
