// Package master runs the coordinator: it accepts queries, dispatches their
// plans to workers, tracks worker membership and keeps query history.
package master

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/generator"
	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils"
	"github.com/linkflow/utils/future"
	"github.com/linkflow/utils/merr"
	"github.com/linkflow/utils/timerecord"
)

// Config wires a Server to its collaborators.
type Config struct {
	Transport transport.Transport
	Scheduler *task.Scheduler
	History   kv.BaseKV
	IDs       generator.Generator

	BufferCapacity   int
	RecoverTrigger   int
	MaxBatchesPerRun int
	KillTimeout      time.Duration
	HeartbeatTimeout time.Duration
	Env              map[string]string
	HistoryPrefix    string
}

// Server is the coordinator node. It implements transport.Handler.
type Server struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	queries *utils.ConcurrentMap[middleware.SubQueryID, *queryEntry]
	history *historyStore

	membersMu sync.Mutex
	members   map[middleware.NodeID]*member
	heartbeat *timerecord.GroupChecker

	closeMu sync.Mutex
	wg      sync.WaitGroup
}

var _ transport.Handler = (*Server)(nil)

// queryEntry is a query that has not been recorded as finished yet.
type queryEntry struct {
	mq       *subquery.MasterSubQuery
	rawQuery string
	// recorded completes like the query, once its final status is stored
	recorded *future.Future
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Transport == nil || cfg.Scheduler == nil || cfg.History == nil || cfg.IDs == nil {
		return nil, errors.New("master needs a transport, a scheduler, a history store and an id generator")
	}
	if cfg.Transport.MyID() != middleware.CoordinatorID {
		return nil, errors.Newf("master must run as node %d, transport is node %d",
			middleware.CoordinatorID, cfg.Transport.MyID())
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 10 * time.Second
	}
	if cfg.HistoryPrefix == "" {
		cfg.HistoryPrefix = "query/history"
	}
	ctx1, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:     cfg,
		ctx:     ctx1,
		cancel:  cancel,
		queries: utils.NewConcurrentMap[middleware.SubQueryID, *queryEntry](),
		history: &historyStore{kv: cfg.History, prefix: cfg.HistoryPrefix},
		members: make(map[middleware.NodeID]*member),
	}
	return s, nil
}

// Start begins serving messages and watching worker heartbeats.
func (s *Server) Start() error {
	s.heartbeat = newHeartbeatMonitor(s.cfg.HeartbeatTimeout, s.onHeartbeatsMissed)
	if err := s.cfg.Transport.Start(s); err != nil {
		s.heartbeat.Stop()
		return errors.Wrap(err, "start master transport")
	}
	log.Info("master started", zap.Duration("heartbeatTimeout", s.cfg.HeartbeatTimeout))
	return nil
}

// Close kills the running queries and stops background work. The transport
// stays owned by the caller.
func (s *Server) Close() {
	for _, e := range s.queries.Values() {
		e.mq.Kill()
	}
	s.closeMu.Lock()
	s.cancel()
	s.closeMu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.wg.Wait()
}

// Submit builds, dispatches and starts a query. It returns once every worker
// accepted its plan or the query failed to dispatch.
func (s *Server) Submit(ctx context.Context, q *encoding.QueryEncoding) (middleware.SubQueryID, error) {
	if err := q.Validate(); err != nil {
		return middleware.SubQueryID{}, err
	}
	queryID, err := s.cfg.IDs.GenOne()
	if err != nil {
		return middleware.SubQueryID{}, errors.Wrap(err, "allocate query id")
	}
	id := middleware.NewSubQueryID(queryID, 0)
	sq, err := q.BuildSubQuery(id)
	if err != nil {
		return id, err
	}
	fragment, err := subquery.NewQueryPartition(subquery.PartitionConfig{
		NodeID:           middleware.CoordinatorID,
		SubQueryID:       id,
		Plan:             sq.MasterPlan,
		Scheduler:        s.cfg.Scheduler,
		Flow:             s.cfg.Transport,
		Sender:           s.cfg.Transport,
		BufferCapacity:   s.cfg.BufferCapacity,
		RecoverTrigger:   s.cfg.RecoverTrigger,
		MaxBatchesPerRun: s.cfg.MaxBatchesPerRun,
		Env:              s.cfg.Env,
	})
	if err != nil {
		return id, errors.Wrap(err, "build coordinator fragment")
	}
	mq, err := subquery.NewMasterSubQuery(sq, fragment, s.cfg.Transport, subquery.MasterOptions{KillTimeout: s.cfg.KillTimeout})
	if err != nil {
		return id, err
	}

	ctx = log.WithFields(ctx, zap.Stringer("subQuery", id), zap.Stringer("ftMode", sq.MasterPlan.FTMode))
	entry := &queryEntry{mq: mq, rawQuery: q.RawQuery, recorded: future.New(mq)}
	s.queries.Insert(id, entry)
	if err := s.history.save(newRunningStatus(mq, q.RawQuery)); err != nil {
		log.Ctx(ctx).Warn("failed to record running query", zap.Error(err))
	}
	mq.ExecutionFuture().AddListener(func(f *future.Future) {
		s.onQueryDone(entry, f)
	})
	mq.AllReceivedFuture().AddListener(func(*future.Future) {
		s.startQuery(mq)
	})

	mq.Init()
	if err := s.dispatch(ctx, mq); err != nil {
		return id, err
	}
	log.Ctx(ctx).Info("query submitted", zap.Int("workers", len(sq.WorkerPlans)))
	return id, nil
}

// dispatch ships every worker plan. A worker that cannot be reached fails the
// query: it never held the plan, so no fault tolerance mode can recover it.
// The workers that did receive their plan are killed and report it.
func (s *Server) dispatch(ctx context.Context, mq *subquery.MasterSubQuery) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.KillTimeout)
	defer cancel()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[middleware.NodeID]error)
	)
	for _, node := range mq.Workers() {
		node := node
		plan, _ := mq.WorkerPlan(node)
		g.Go(func() error {
			msg := &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: mq.SubQueryID(), Plan: plan.Encoded}
			if err := s.cfg.Transport.SendShortMessage(ctx, node, msg); err != nil {
				mu.Lock()
				failed[node] = err
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}

	log.Ctx(ctx).Warn("dispatch failed, killing the query", zap.Int("failedNodes", len(failed)))
	mq.Kill()
	for node, cause := range failed {
		mq.WorkerFail(node, errors.Newf("dispatch to node %d failed: %v", node, cause))
	}
	return errors.Wrapf(merr.ErrNodeUnreachable, "dispatch of %s failed on %d nodes", mq.SubQueryID(), len(failed))
}

// startQuery starts every node once all of them hold their plan.
func (s *Server) startQuery(mq *subquery.MasterSubQuery) {
	if mq.IsKilled() {
		return
	}
	mq.StartExecution()
	s.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.KillTimeout)
		defer cancel()
		msg := &transport.ControlMessage{Kind: transport.KindStart, SubQueryID: mq.SubQueryID()}
		if err := transport.Broadcast(ctx, s.cfg.Transport, mq.UnfinishedWorkers(), msg); err != nil {
			log.Warn("failed to start every worker", zap.Stringer("subQuery", mq.SubQueryID()), zap.Error(err))
		}
	})
}

// spawn runs fn in the background unless the server is closing.
func (s *Server) spawn(fn func(ctx context.Context)) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Server) onQueryDone(e *queryEntry, f *future.Future) {
	id := e.mq.SubQueryID()
	if err := s.history.save(newFinishedStatus(e.mq, e.rawQuery, f.Cause())); err != nil {
		log.Warn("failed to record finished query", zap.Stringer("subQuery", id), zap.Error(err))
	}
	s.queries.Remove(id)
	if cause := f.Cause(); cause != nil {
		e.recorded.SetFailure(cause)
	} else {
		e.recorded.SetSuccess()
	}
}

func (s *Server) lookup(id middleware.SubQueryID) (*subquery.MasterSubQuery, error) {
	e, ok := s.queries.Get(id)
	if !ok {
		return nil, errors.Wrapf(merr.ErrUnknownQuery, "no running query %s", id)
	}
	return e.mq, nil
}

// Kill kills a running query and waits until its workers accepted the kill.
func (s *Server) Kill(id middleware.SubQueryID) error {
	mq, err := s.lookup(id)
	if err != nil {
		return err
	}
	return mq.KillAndWait()
}

// Pause pauses the query on every node and waits for the coordinator
// fragment to park.
func (s *Server) Pause(ctx context.Context, id middleware.SubQueryID) error {
	mq, err := s.lookup(id)
	if err != nil {
		return err
	}
	msg := &transport.ControlMessage{Kind: transport.KindPause, SubQueryID: id}
	if err := transport.Broadcast(ctx, s.cfg.Transport, mq.UnfinishedWorkers(), msg); err != nil {
		return errors.Wrap(err, "pause workers")
	}
	return mq.Pause().Await(ctx)
}

func (s *Server) Resume(ctx context.Context, id middleware.SubQueryID) error {
	mq, err := s.lookup(id)
	if err != nil {
		return err
	}
	mq.Resume()
	msg := &transport.ControlMessage{Kind: transport.KindResume, SubQueryID: id}
	return errors.Wrap(transport.Broadcast(ctx, s.cfg.Transport, mq.UnfinishedWorkers(), msg), "resume workers")
}

// QueryStatus answers for running and finished queries.
func (s *Server) QueryStatus(id middleware.SubQueryID) (*QueryStatus, error) {
	if e, ok := s.queries.Get(id); ok {
		return newRunningStatus(e.mq, e.rawQuery), nil
	}
	return s.history.load(id)
}

// Await blocks until the query finished and its status was recorded, and
// returns its outcome.
func (s *Server) Await(ctx context.Context, id middleware.SubQueryID) error {
	if e, ok := s.queries.Get(id); ok {
		return e.recorded.Await(ctx)
	}
	status, err := s.history.load(id)
	if err != nil {
		return err
	}
	return status.Err()
}

// HandleControl serves the messages of workers.
func (s *Server) HandleControl(ctx context.Context, msg *transport.ControlMessage) {
	switch msg.Kind {
	case transport.KindRegister:
		s.register(msg)
		return
	case transport.KindHeartbeat:
		s.onHeartbeat(msg)
		return
	}

	e, ok := s.queries.Get(msg.SubQueryID)
	if !ok {
		log.Debug("control message for unknown query", zap.Stringer("msg", msg))
		return
	}
	mq := e.mq
	switch msg.Kind {
	case transport.KindQueryReceived:
		mq.QueryReceivedByWorker(msg.NodeID)
	case transport.KindCompleteSuccess:
		s.ensureReceived(mq, msg.NodeID)
		mq.WorkerComplete(msg.NodeID)
	case transport.KindCompleteFailure:
		s.ensureReceived(mq, msg.NodeID)
		mq.WorkerFail(msg.NodeID, msg.Err())
	default:
		log.Warn("unexpected control message at master", zap.Stringer("msg", msg))
	}
}

// ensureReceived counts a node that completed without acknowledging, for
// instance because its plan failed to build, so the others still start.
func (s *Server) ensureReceived(mq *subquery.MasterSubQuery, node middleware.NodeID) {
	if !mq.IsNodeReceived(node) {
		mq.QueryReceivedByWorker(node)
	}
}

// HandleData feeds the coordinator fragment.
func (s *Server) HandleData(d exchange.Data) {
	e, ok := s.queries.Get(d.Channel.SubQueryID)
	if !ok {
		return
	}
	e.mq.Fragment().DeliverData(d)
}

// RunningQueries returns the ids of the queries still running.
func (s *Server) RunningQueries() []middleware.SubQueryID {
	var ids []middleware.SubQueryID
	s.queries.Range(func(id middleware.SubQueryID, _ *queryEntry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
