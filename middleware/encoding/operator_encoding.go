// Package encoding turns declarative JSON plans into operator trees.
package encoding

import (
	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/storage"
	"github.com/linkflow/utils/merr"
	"github.com/linkflow/utils/partition"
)

// Operator types understood by Construct.
const (
	OpSeq               = "Seq"
	OpConsumer          = "Consumer"
	OpShuffleProducer   = "ShuffleProducer"
	OpCollectProducer   = "CollectProducer"
	OpBroadcastProducer = "BroadcastProducer"
	OpSinkRoot          = "SinkRoot"
)

// PartitionEncoding describes a partition function. The number of partitions
// is the number of destinations of the producer.
type PartitionEncoding struct {
	Type       string `json:"type"`
	KeyColumns []int  `json:"keyColumns"`
}

// OperatorEncoding is one operator of a fragment. Children are referenced by
// OpID and must appear earlier in the fragment.
type OperatorEncoding struct {
	OpType   string `json:"opType"`
	OpID     string `json:"opId"`
	ArgChild string `json:"argChild,omitempty"`

	// Seq
	Count   int64                     `json:"count,omitempty"`
	Offsets map[middleware.NodeID]int `json:"offsets,omitempty"`

	// exchange operators
	ArgOperatorID int64               `json:"argOperatorId,omitempty"`
	Destinations  []middleware.NodeID `json:"destinations,omitempty"`
	Sources       []middleware.NodeID `json:"sources,omitempty"`
	Partition     *PartitionEncoding  `json:"partition,omitempty"`
	Schema        *storage.Schema     `json:"schema,omitempty"`

	// SinkRoot
	Collect bool `json:"collect,omitempty"`
}

func invalid(op *OperatorEncoding, format string, args ...interface{}) error {
	return errors.Wrapf(merr.ErrInvalidPlan, "operator %q (%s): "+format, append([]interface{}{op.OpID, op.OpType}, args...)...)
}

func (op *OperatorEncoding) validate() error {
	if op.OpID == "" {
		return errors.Wrapf(merr.ErrInvalidPlan, "%s operator without opId", op.OpType)
	}
	switch op.OpType {
	case OpSeq:
		if op.Count < 0 {
			return invalid(op, "negative count %d", op.Count)
		}
		if len(op.Offsets) == 0 {
			return invalid(op, "no offsets")
		}
		for node, offset := range op.Offsets {
			if offset < 0 || offset >= len(op.Offsets) {
				return invalid(op, "offset %d of node %d out of range", offset, node)
			}
		}
	case OpConsumer:
		if op.ArgOperatorID <= 0 {
			return invalid(op, "missing argOperatorId")
		}
		if len(op.Sources) == 0 {
			return invalid(op, "no sources")
		}
		if op.Schema == nil || op.Schema.NumColumns() == 0 {
			return invalid(op, "missing schema")
		}
		if len(op.Schema.Names) != len(op.Schema.Types) {
			return invalid(op, "schema names and types differ in length")
		}
	case OpShuffleProducer, OpCollectProducer, OpBroadcastProducer:
		if op.ArgOperatorID <= 0 {
			return invalid(op, "missing argOperatorId")
		}
		if op.ArgChild == "" {
			return invalid(op, "missing argChild")
		}
		if len(op.Destinations) == 0 {
			return invalid(op, "no destinations")
		}
		if op.OpType == OpCollectProducer && len(op.Destinations) != 1 {
			return invalid(op, "collect needs exactly one destination, got %d", len(op.Destinations))
		}
		if op.OpType == OpShuffleProducer && op.Partition == nil {
			return invalid(op, "shuffle without partition function")
		}
	case OpSinkRoot:
		if op.ArgChild == "" {
			return invalid(op, "missing argChild")
		}
	default:
		return errors.Wrapf(merr.ErrInvalidPlan, "unknown operator type %q", op.OpType)
	}
	return nil
}

func (op *OperatorEncoding) isRoot() bool {
	switch op.OpType {
	case OpShuffleProducer, OpCollectProducer, OpBroadcastProducer, OpSinkRoot:
		return true
	}
	return false
}

func (op *OperatorEncoding) construct(built map[string]operator.Operator) (operator.Operator, error) {
	var child operator.Operator
	if op.ArgChild != "" {
		c, ok := built[op.ArgChild]
		if !ok {
			return nil, invalid(op, "child %q is not defined before it", op.ArgChild)
		}
		if _, isRoot := c.(operator.Root); isRoot {
			return nil, invalid(op, "child %q is a root operator", op.ArgChild)
		}
		child = c
	}

	switch op.OpType {
	case OpSeq:
		return operator.NewSeq(op.OpID, op.Count, op.Offsets), nil
	case OpConsumer:
		return operator.NewConsumer(op.OpID, op.Schema, op.ArgOperatorID, op.Sources), nil
	case OpShuffleProducer:
		fn, err := op.partitionFunction()
		if err != nil {
			return nil, err
		}
		return operator.NewProducer(op.OpID, child, op.ArgOperatorID, op.Destinations, fn), nil
	case OpCollectProducer, OpBroadcastProducer:
		return operator.NewProducer(op.OpID, child, op.ArgOperatorID, op.Destinations, nil), nil
	case OpSinkRoot:
		return operator.NewSinkRoot(op.OpID, child, op.Collect), nil
	}
	return nil, errors.Wrapf(merr.ErrInvalidPlan, "unknown operator type %q", op.OpType)
}

func (op *OperatorEncoding) partitionFunction() (partition.Function, error) {
	n := len(op.Destinations)
	var (
		fn  partition.Function
		err error
	)
	switch op.Partition.Type {
	case "", "hash", "multiFieldHash":
		fn, err = partition.NewHashFunction(n, op.Partition.KeyColumns...)
	case "singleFieldHash":
		if len(op.Partition.KeyColumns) != 1 {
			return nil, invalid(op, "singleFieldHash needs exactly one key column")
		}
		fn, err = partition.NewSingleFieldHashFunction(n, op.Partition.KeyColumns[0])
	default:
		return nil, invalid(op, "unknown partition function %q", op.Partition.Type)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "operator %q", op.OpID), merr.ErrInvalidPlan)
	}
	return fn, nil
}
