// Package storage holds the columnar batches exchanged between operators.
package storage

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// numbers are kept as json.Number so int64 values survive decoding
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// TupleBatch is an immutable batch of rows stored column by column.
type TupleBatch struct {
	schema  *Schema
	columns []Column
	rows    int
}

// NewTupleBatch checks that columns match schema and have equal length.
func NewTupleBatch(schema *Schema, columns ...Column) (*TupleBatch, error) {
	if schema == nil {
		return nil, errors.New("nil schema")
	}
	if len(columns) != schema.NumColumns() {
		return nil, errors.Newf("batch has %d columns, schema expects %d", len(columns), schema.NumColumns())
	}
	rows := -1
	for i, c := range columns {
		if c.Type() != schema.Types[i] {
			return nil, errors.Newf("column %s is %s, schema expects %s", schema.Names[i], c.Type(), schema.Types[i])
		}
		if rows >= 0 && c.Len() != rows {
			return nil, errors.Newf("column %s has %d rows, expected %d", schema.Names[i], c.Len(), rows)
		}
		rows = c.Len()
	}
	if rows < 0 {
		rows = 0
	}
	return &TupleBatch{schema: schema, columns: columns, rows: rows}, nil
}

func (b *TupleBatch) Schema() *Schema {
	return b.schema
}

func (b *TupleBatch) NumTuples() int {
	return b.rows
}

func (b *TupleBatch) NumColumns() int {
	return len(b.columns)
}

func (b *TupleBatch) Column(i int) Column {
	return b.columns[i]
}

// Select returns a batch holding the given rows in order.
func (b *TupleBatch) Select(rows []int) *TupleBatch {
	cols := make([]Column, len(b.columns))
	for i, c := range b.columns {
		cols[i] = c.Select(rows)
	}
	return &TupleBatch{schema: b.schema, columns: cols, rows: len(rows)}
}

// HashRow hashes the key columns of one row. Equal key values always hash equally.
func (b *TupleBatch) HashRow(row int, keyColumns []int) uint64 {
	d := xxhash.New()
	var buf [64]byte
	for _, k := range keyColumns {
		key := b.columns[k].AppendKey(buf[:0], row)
		_, _ = d.Write(key)
	}
	return d.Sum64()
}

type batchJSON struct {
	Schema  *Schema         `json:"schema"`
	Columns [][]interface{} `json:"columns"`
}

func (b *TupleBatch) MarshalJSON() ([]byte, error) {
	out := batchJSON{Schema: b.schema, Columns: make([][]interface{}, len(b.columns))}
	for i, c := range b.columns {
		values := make([]interface{}, c.Len())
		for r := range values {
			values[r] = c.Value(r)
		}
		out.Columns[i] = values
	}
	return json.Marshal(out)
}

func (b *TupleBatch) UnmarshalJSON(data []byte) error {
	var in batchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Schema == nil {
		return errors.New("batch without schema")
	}
	cols := make([]Column, len(in.Columns))
	for i, values := range in.Columns {
		if i >= in.Schema.NumColumns() {
			return errors.Newf("batch has more columns than its schema")
		}
		col, err := decodeColumn(in.Schema.Types[i], values)
		if err != nil {
			return errors.Wrapf(err, "decode column %s", in.Schema.Names[i])
		}
		cols[i] = col
	}
	decoded, err := NewTupleBatch(in.Schema, cols...)
	if err != nil {
		return err
	}
	*b = *decoded
	return nil
}

func decodeColumn(t Type, values []interface{}) (Column, error) {
	var err error
	switch t {
	case TypeInt64:
		c := make(Int64Column, len(values))
		for i, v := range values {
			if c[i], err = cast.ToInt64E(v); err != nil {
				return nil, err
			}
		}
		return c, nil
	case TypeFloat64:
		c := make(Float64Column, len(values))
		for i, v := range values {
			if c[i], err = cast.ToFloat64E(v); err != nil {
				return nil, err
			}
		}
		return c, nil
	case TypeString:
		c := make(StringColumn, len(values))
		for i, v := range values {
			if c[i], err = cast.ToStringE(v); err != nil {
				return nil, err
			}
		}
		return c, nil
	case TypeBool:
		c := make(BoolColumn, len(values))
		for i, v := range values {
			if c[i], err = cast.ToBoolE(v); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	return nil, errors.Newf("unsupported type %s", t)
}
