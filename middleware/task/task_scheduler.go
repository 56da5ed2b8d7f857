package task

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/metrics"
	"github.com/linkflow/utils/timerecord"
)

type taskQueue interface {
	utChan() <-chan struct{}
	utEmpty() bool
	addUnissuedTask(t *Task)
	PopUnissuedTask() *Task
	AddActiveTask(t *Task)
	PopActiveTask(taskID int64) *Task
	getTaskByID(taskID int64) *Task
	Len() int
}

var _ taskQueue = (*baseTaskQueue)(nil)

// baseTaskQueue holds ready tasks until a worker is free, and the tasks
// being driven.
type baseTaskQueue struct {
	unissuedTasks *list.List
	activeTasks   map[int64]*Task
	utLock        sync.RWMutex
	atLock        sync.RWMutex
	utBufChan     chan struct{} // to wake the scheduler
}

func newBaseTaskQueue() *baseTaskQueue {
	return &baseTaskQueue{
		unissuedTasks: list.New(),
		activeTasks:   make(map[int64]*Task),
		utBufChan:     make(chan struct{}, 1),
	}
}

func (queue *baseTaskQueue) utChan() <-chan struct{} {
	return queue.utBufChan
}

func (queue *baseTaskQueue) utEmpty() bool {
	queue.utLock.RLock()
	defer queue.utLock.RUnlock()
	return queue.unissuedTasks.Len() == 0
}

func (queue *baseTaskQueue) Len() int {
	queue.utLock.RLock()
	defer queue.utLock.RUnlock()
	return queue.unissuedTasks.Len()
}

func (queue *baseTaskQueue) addUnissuedTask(t *Task) {
	queue.utLock.Lock()
	queue.unissuedTasks.PushBack(t)
	metrics.SchedulerQueueLength.Set(float64(queue.unissuedTasks.Len()))
	queue.utLock.Unlock()

	select {
	case queue.utBufChan <- struct{}{}:
	default:
	}
}

func (queue *baseTaskQueue) PopUnissuedTask() *Task {
	queue.utLock.Lock()
	defer queue.utLock.Unlock()
	if queue.unissuedTasks.Len() <= 0 {
		return nil
	}
	ft := queue.unissuedTasks.Front()
	queue.unissuedTasks.Remove(ft)
	metrics.SchedulerQueueLength.Set(float64(queue.unissuedTasks.Len()))
	return ft.Value.(*Task)
}

func (queue *baseTaskQueue) AddActiveTask(t *Task) {
	queue.atLock.Lock()
	defer queue.atLock.Unlock()
	tID := t.ID()
	_, ok := queue.activeTasks[tID]
	if ok {
		log.Warn("task id is already in active list", zap.Int64("ID", tID))
	}
	queue.activeTasks[tID] = t
}

func (queue *baseTaskQueue) PopActiveTask(taskID int64) *Task {
	queue.atLock.Lock()
	defer queue.atLock.Unlock()
	t, ok := queue.activeTasks[taskID]
	if ok {
		delete(queue.activeTasks, taskID)
		return t
	}
	log.Warn("task is not in active task list", zap.Int64("ID", taskID))
	return t
}

func (queue *baseTaskQueue) getTaskByID(taskID int64) *Task {
	queue.utLock.RLock()
	for e := queue.unissuedTasks.Front(); e != nil; e = e.Next() {
		if e.Value.(*Task).ID() == taskID {
			queue.utLock.RUnlock()
			return e.Value.(*Task)
		}
	}
	queue.utLock.RUnlock()

	queue.atLock.RLock()
	defer queue.atLock.RUnlock()
	return queue.activeTasks[taskID]
}

// Scheduler drives ready tasks on a fixed size ants pool.
type Scheduler struct {
	queue   *baseTaskQueue
	pool    *ants.Pool
	checker *timerecord.GroupChecker

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type schedOpt func(s *schedConfig)

type schedConfig struct {
	stallThreshold time.Duration
}

// WithStallThreshold logs a warning for tasks driven longer than d in one quantum.
func WithStallThreshold(d time.Duration) schedOpt {
	return func(c *schedConfig) {
		c.stallThreshold = d
	}
}

// NewScheduler creates a scheduler with poolSize workers.
func NewScheduler(ctx context.Context, poolSize int, opts ...schedOpt) (*Scheduler, error) {
	if poolSize <= 0 {
		return nil, errors.Newf("scheduler pool size must be positive, got %d", poolSize)
	}
	cfg := &schedConfig{stallThreshold: 10 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(p interface{}) {
		log.Error("scheduler worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler pool")
	}

	ctx1, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		queue:  newBaseTaskQueue(),
		pool:   pool,
		ctx:    ctx1,
		cancel: cancel,
	}
	s.checker = timerecord.GetGroupChecker("task-stall-"+uuid.NewString(), cfg.stallThreshold, func(list []string) {
		log.Warn("tasks are taking long in one drive quantum", zap.Strings("tasks", list))
	})
	return s, nil
}

func (sched *Scheduler) enqueue(t *Task) {
	sched.queue.addUnissuedTask(t)
}

// QueueLen is the number of tasks waiting for a worker.
func (sched *Scheduler) QueueLen() int {
	return sched.queue.Len()
}

// Running is the number of busy workers.
func (sched *Scheduler) Running() int {
	return sched.pool.Running()
}

// GetTask finds a queued or running task.
func (sched *Scheduler) GetTask(taskID int64) *Task {
	return sched.queue.getTaskByID(taskID)
}

func (sched *Scheduler) processTask(t *Task) {
	ctx, span := otel.Tracer("taskScheduler").Start(t.TraceCtx(), t.Name())
	defer span.End()

	span.AddEvent("scheduler process AddActiveTask")
	sched.queue.AddActiveTask(t)
	name := t.Name() + "#" + strconv.FormatInt(t.ID(), 10)
	sched.checker.Check(name)
	start := time.Now()

	defer func() {
		metrics.TaskDriveLatency.Observe(time.Since(start).Seconds())
		sched.checker.Remove(name)
		span.AddEvent("scheduler process PopActiveTask")
		sched.queue.PopActiveTask(t.ID())
	}()
	defer func() {
		if p := recover(); p != nil {
			err := errors.Newf("panic while driving task: %v", p)
			span.RecordError(err)
			metrics.TaskPanicTotal.Inc()
			log.Ctx(ctx).Error("task panicked", zap.Any("panic", p), zap.Stack("stack"))
			t.fail(err)
		}
	}()

	span.AddEvent("scheduler process Drive")
	t.run(ctx)
	if cause := t.ExecutionFuture().Cause(); cause != nil {
		span.RecordError(cause)
	}
}

func (sched *Scheduler) scheduleLoop() {
	defer sched.wg.Done()
	for {
		select {
		case <-sched.ctx.Done():
			return
		case <-sched.queue.utChan():
			for t := sched.queue.PopUnissuedTask(); t != nil; t = sched.queue.PopUnissuedTask() {
				t := t
				if err := sched.pool.Submit(func() { sched.processTask(t) }); err != nil {
					log.Warn("failed to submit task", zap.String("task", t.Name()), zap.Error(err))
					t.fail(errors.Wrap(err, "scheduler rejected task"))
				}
				if sched.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (sched *Scheduler) Start() error {
	sched.wg.Add(1)
	go sched.scheduleLoop()
	return nil
}

// Close stops scheduling and waits up to timeout for the running quanta.
func (sched *Scheduler) Close(timeout time.Duration) {
	sched.cancel()
	sched.wg.Wait()
	sched.checker.Stop()
	if err := sched.pool.ReleaseTimeout(timeout); err != nil {
		log.Warn("scheduler workers still busy at close", zap.Error(err))
	}
}
