package operator

import (
	"context"
	"sync"

	"github.com/linkflow/middleware/storage"
)

// SinkRoot drains its child, counting tuples and optionally keeping the batches.
type SinkRoot struct {
	base
	collect bool

	mu      sync.Mutex
	count   int64
	batches []*storage.TupleBatch
	rounds  int
}

func NewSinkRoot(name string, child Operator, collect bool) *SinkRoot {
	return &SinkRoot{
		base:    base{name: name, schema: child.Schema(), children: []Operator{child}},
		collect: collect,
	}
}

func (s *SinkRoot) isRoot() {}

func (s *SinkRoot) FetchNext(ctx context.Context) (*storage.TupleBatch, error) {
	if s.eos {
		return nil, nil
	}
	child := s.children[0]
	batch, err := child.FetchNext(ctx)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		s.mu.Lock()
		s.count += int64(batch.NumTuples())
		if s.collect {
			s.batches = append(s.batches, batch)
		}
		s.mu.Unlock()
		return batch, nil
	}
	if child.EOI() {
		s.mu.Lock()
		s.rounds++
		s.mu.Unlock()
	}
	if child.EOS() {
		s.eos = true
	}
	return nil, nil
}

// Count is the number of tuples drained so far.
func (s *SinkRoot) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Batches returns the kept batches when the sink collects.
func (s *SinkRoot) Batches() []*storage.TupleBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.TupleBatch(nil), s.batches...)
}

// Iterations is the number of end-of-iteration markers seen.
func (s *SinkRoot) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}
