// Package subquery runs the fragments of a distributed query on one node and
// coordinates their outcomes across nodes.
package subquery

import (
	"time"

	"go.uber.org/atomic"

	"github.com/linkflow/middleware"
	"github.com/linkflow/utils/future"
)

// LocalSubQuery is the execution of one subquery on one node.
type LocalSubQuery interface {
	SubQueryID() middleware.SubQueryID
	Priority() int32
	SetPriority(p int32)
	// ExecutionFuture resolves once with the outcome on this node.
	ExecutionFuture() *future.Future
	Init()
	StartExecution()
	Pause() *future.Future
	Resume() *future.Future
	Kill()
	IsKilled() bool
	FTMode() FTMode
	Statistics() *ExecutionStatistics
}

var (
	_ LocalSubQuery = (*QueryPartition)(nil)
	_ LocalSubQuery = (*MasterSubQuery)(nil)
)

// ExecutionStatistics records when execution started and ended.
type ExecutionStatistics struct {
	startAt atomic.Int64
	endAt   atomic.Int64
}

// MarkStart keeps the first start time.
func (s *ExecutionStatistics) MarkStart() {
	s.startAt.CompareAndSwap(0, time.Now().UnixNano())
}

// MarkEnd keeps the first end time.
func (s *ExecutionStatistics) MarkEnd() {
	s.endAt.CompareAndSwap(0, time.Now().UnixNano())
}

func (s *ExecutionStatistics) StartTime() time.Time {
	return unixOrZero(s.startAt.Load())
}

func (s *ExecutionStatistics) EndTime() time.Time {
	return unixOrZero(s.endAt.Load())
}

// Elapsed is the execution time, up to now while still running.
func (s *ExecutionStatistics) Elapsed() time.Duration {
	start := s.startAt.Load()
	if start == 0 {
		return 0
	}
	end := s.endAt.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

func unixOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
