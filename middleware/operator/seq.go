package operator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/storage"
)

const DefaultBatchSize = 1024

// BatchSizeEnv overrides the batch size of generating operators.
const BatchSizeEnv = "batchSize"

var seqSchema = &storage.Schema{Types: []storage.Type{storage.TypeInt64}, Names: []string{"SEQNUM"}}

// Seq produces the integers [0, count), split over the nodes listed in offsets:
// the node at offset o out of n produces [o*count/n, (o+1)*count/n).
type Seq struct {
	base
	count     int64
	offsets   map[middleware.NodeID]int
	batchSize int
	next      int64
	end       int64
}

func NewSeq(name string, count int64, offsets map[middleware.NodeID]int) *Seq {
	return &Seq{
		base:    base{name: name, schema: seqSchema},
		count:   count,
		offsets: offsets,
	}
}

func (s *Seq) Init(ec *ExecContext) error {
	if err := s.base.Init(ec); err != nil {
		return err
	}
	offset, ok := s.offsets[ec.NodeID]
	if !ok {
		return errors.Newf("seq %s has no offset for node %d", s.name, ec.NodeID)
	}
	n := int64(len(s.offsets))
	s.next = int64(offset) * s.count / n
	s.end = (int64(offset) + 1) * s.count / n

	s.batchSize = DefaultBatchSize
	if v, ok := ec.Env[BatchSizeEnv]; ok {
		size, err := cast.ToIntE(v)
		if err != nil || size <= 0 {
			return errors.Newf("invalid %s %q", BatchSizeEnv, v)
		}
		s.batchSize = size
	}
	return nil
}

func (s *Seq) FetchNext(ctx context.Context) (*storage.TupleBatch, error) {
	if s.eos {
		return nil, nil
	}
	if s.next >= s.end {
		s.eos = true
		return nil, nil
	}
	hi := s.next + int64(s.batchSize)
	if hi > s.end {
		hi = s.end
	}
	values := make(storage.Int64Column, 0, hi-s.next)
	for i := s.next; i < hi; i++ {
		values = append(values, i)
	}
	s.next = hi
	return storage.NewTupleBatch(seqSchema, values)
}
