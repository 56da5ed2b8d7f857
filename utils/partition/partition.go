// Package partition maps the rows of a batch to destination partitions.
package partition

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware/storage"
)

// Function assigns each row of a batch to a partition in [0, NumPartitions()).
// Implementations are pure and safe for concurrent use.
type Function interface {
	NumPartitions() int
	Partition(batch *storage.TupleBatch) []int
}

// HashFunction partitions rows by the hash of their key columns.
type HashFunction struct {
	numPartitions int
	keyColumns    []int
}

var _ Function = (*HashFunction)(nil)

func NewHashFunction(numPartitions int, keyColumns ...int) (*HashFunction, error) {
	if numPartitions <= 0 {
		return nil, errors.Newf("number of partitions must be positive, got %d", numPartitions)
	}
	if len(keyColumns) == 0 {
		return nil, errors.New("hash partitioning needs at least one key column")
	}
	for _, k := range keyColumns {
		if k < 0 {
			return nil, errors.Newf("invalid key column %d", k)
		}
	}
	keys := make([]int, len(keyColumns))
	copy(keys, keyColumns)
	return &HashFunction{numPartitions: numPartitions, keyColumns: keys}, nil
}

// NewSingleFieldHashFunction partitions on a single column.
func NewSingleFieldHashFunction(numPartitions int, field int) (*HashFunction, error) {
	return NewHashFunction(numPartitions, field)
}

func (f *HashFunction) NumPartitions() int {
	return f.numPartitions
}

func (f *HashFunction) KeyColumns() []int {
	return f.keyColumns
}

func (f *HashFunction) Partition(batch *storage.TupleBatch) []int {
	result := make([]int, batch.NumTuples())
	n := int64(f.numPartitions)
	for i := range result {
		p := int64(batch.HashRow(i, f.keyColumns)>>1) % n
		if p < 0 {
			p += n
		}
		result[i] = int(p)
	}
	return result
}

func (f *HashFunction) String() string {
	return fmt.Sprintf("hash(%v)%%%d", f.keyColumns, f.numPartitions)
}

// Split groups the rows of batch by partition. Empty partitions are nil.
func Split(fn Function, batch *storage.TupleBatch) []*storage.TupleBatch {
	out := make([]*storage.TupleBatch, fn.NumPartitions())
	if batch.NumTuples() == 0 {
		return out
	}
	rows := make([][]int, fn.NumPartitions())
	for row, p := range fn.Partition(batch) {
		rows[p] = append(rows[p], row)
	}
	for p, r := range rows {
		if len(r) > 0 {
			out[p] = batch.Select(r)
		}
	}
	return out
}
