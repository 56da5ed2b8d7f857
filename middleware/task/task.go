// Package task drives rooted operator subtrees cooperatively on a shared
// worker pool.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/utils/future"
	"github.com/linkflow/utils/merr"
)

// State is the lifecycle state of a Task.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateSucceeded
	StateFailed
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	case StateCleanedUp:
		return "CleanedUp"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Owner is the partition a task belongs to.
type Owner interface {
	SubQueryID() middleware.SubQueryID
	// ShouldPark is asked before every drive quantum. Returning true parks the
	// task until the owner wakes it again.
	ShouldPark(t *Task) bool
}

var taskIDs atomic.Int64

// Task drives one root operator to end of stream. It is driven by at most one
// goroutine at a time.
type Task struct {
	id     int64
	nodeID middleware.NodeID
	owner  Owner
	root   operator.Root
	sched  *Scheduler

	maxBatchesPerRun int

	state     atomic.Int32
	killed    atomic.Bool
	started   atomic.Bool
	pending   atomic.Bool
	scheduled atomic.Bool

	initOnce    sync.Once
	cleanupOnce sync.Once
	fut         *future.Future
	traceCtx    context.Context
}

// New creates a task of owner on node nodeID. maxBatchesPerRun bounds how many
// batches one drive quantum pulls before yielding the worker.
func New(nodeID middleware.NodeID, owner Owner, root operator.Root, sched *Scheduler, maxBatchesPerRun int) *Task {
	if maxBatchesPerRun <= 0 {
		maxBatchesPerRun = 1
	}
	t := &Task{
		id:               taskIDs.Inc(),
		nodeID:           nodeID,
		owner:            owner,
		root:             root,
		sched:            sched,
		maxBatchesPerRun: maxBatchesPerRun,
	}
	t.fut = future.New(t)
	t.traceCtx = log.WithFields(context.Background(),
		zap.Stringer("subQuery", owner.SubQueryID()),
		zap.Int32("node", nodeID),
		zap.String("root", root.OpName()))
	return t
}

func (t *Task) ID() int64 {
	return t.id
}

func (t *Task) Name() string {
	return fmt.Sprintf("%s@%d/%s", t.owner.SubQueryID(), t.nodeID, t.root.OpName())
}

func (t *Task) NodeID() middleware.NodeID {
	return t.nodeID
}

func (t *Task) Owner() Owner {
	return t.owner
}

func (t *Task) Root() operator.Root {
	return t.root
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) TraceCtx() context.Context {
	return t.traceCtx
}

// ExecutionFuture resolves once the task succeeds, fails or is killed.
func (t *Task) ExecutionFuture() *future.Future {
	return t.fut
}

func (t *Task) IsKilled() bool {
	return t.killed.Load()
}

// Consumers returns the consumer operators of the subtree.
func (t *Task) Consumers() []*operator.Consumer {
	var consumers []*operator.Consumer
	operator.Walk(t.root, func(op operator.Operator) {
		if c, ok := op.(*operator.Consumer); ok {
			consumers = append(consumers, c)
		}
	})
	return consumers
}

// Producers returns the producer operators of the subtree.
func (t *Task) Producers() []*operator.Producer {
	var producers []*operator.Producer
	operator.Walk(t.root, func(op operator.Operator) {
		if p, ok := op.(*operator.Producer); ok {
			producers = append(producers, p)
		}
	})
	return producers
}

// Init initializes the operator tree. Only the first call has an effect; a
// failure resolves the execution future.
func (t *Task) Init(ec *operator.ExecContext) {
	t.initOnce.Do(func() {
		taskCtx := *ec
		taskCtx.Wake = t.Wake
		if err := operator.InitTree(t.root, &taskCtx); err != nil {
			log.Ctx(t.traceCtx).Warn("task init failed", zap.Error(err))
			t.finish(merr.WrapTaskFailure(err, t.Name()))
			return
		}
		t.state.CompareAndSwap(int32(StateCreated), int32(StateInitialized))
	})
}

// Execute starts non-blocking execution.
func (t *Task) Execute() {
	if !t.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		if t.fut.IsDone() {
			return
		}
		if t.State() == StateCreated {
			t.finish(merr.WrapTaskFailure(errors.New("executed before init"), t.Name()))
			return
		}
	}
	t.started.Store(true)
	t.Wake()
}

// Wake marks the task ready. It is edge triggered: waking an already queued
// task only makes sure it runs once more.
func (t *Task) Wake() {
	t.pending.Store(true)
	if t.scheduled.CompareAndSwap(false, true) {
		t.sched.enqueue(t)
	}
}

// Kill asks the task to stop at its next scheduling opportunity.
func (t *Task) Kill() {
	if t.killed.CompareAndSwap(false, true) {
		log.Ctx(t.traceCtx).Debug("kill task")
	}
	t.Wake()
}

// run is called by the scheduler.
func (t *Task) run(ctx context.Context) {
	t.pending.Store(false)
	t.drive(ctx)
	if t.fut.IsDone() {
		return
	}
	t.scheduled.Store(false)
	// woken while driving, go back to the queue
	if t.pending.Load() && t.scheduled.CompareAndSwap(false, true) {
		t.sched.enqueue(t)
	}
}

func (t *Task) drive(ctx context.Context) {
	if t.fut.IsDone() {
		return
	}
	if t.killed.Load() {
		t.finish(merr.Killed("task %s killed", t.Name()))
		return
	}
	if !t.started.Load() || t.owner.ShouldPark(t) {
		return
	}
	for i := 0; i < t.maxBatchesPerRun; i++ {
		if t.killed.Load() {
			t.finish(merr.Killed("task %s killed", t.Name()))
			return
		}
		batch, err := t.root.FetchNext(ctx)
		if err != nil {
			t.finish(merr.WrapTaskFailure(err, t.Name()))
			return
		}
		if t.root.EOS() {
			t.finish(nil)
			return
		}
		if batch == nil {
			return
		}
	}
	// quantum used up with data still flowing
	t.pending.Store(true)
}

// fail resolves the task with err, used when driving panicked.
func (t *Task) fail(err error) {
	t.finish(merr.WrapTaskFailure(err, t.Name()))
}

func (t *Task) finish(err error) {
	if err == nil {
		if t.state.CompareAndSwap(int32(StateRunning), int32(StateSucceeded)) {
			t.fut.SetSuccess()
		}
		return
	}
	for {
		s := t.State()
		if s == StateSucceeded || s == StateFailed || s == StateCleanedUp {
			return
		}
		if t.state.CompareAndSwap(int32(s), int32(StateFailed)) {
			break
		}
	}
	t.fut.SetFailure(err)
}

// Cleanup releases the operators and closes the input buffers of the task.
// Data arriving afterwards is dropped by the closed buffers.
func (t *Task) Cleanup() {
	t.cleanupOnce.Do(func() {
		for _, c := range t.Consumers() {
			if b := c.InputBuffer(); b != nil {
				b.Close()
			}
		}
		if err := operator.CleanupTree(t.root); err != nil {
			log.Ctx(t.traceCtx).Warn("task cleanup failed", zap.Error(err))
		}
		t.state.Store(int32(StateCleanedUp))
	})
}

// InputBuffers returns the input buffers of the consumers of the task.
func (t *Task) InputBuffers() []*exchange.InputBuffer {
	var buffers []*exchange.InputBuffer
	for _, c := range t.Consumers() {
		if b := c.InputBuffer(); b != nil {
			buffers = append(buffers, b)
		}
	}
	return buffers
}
