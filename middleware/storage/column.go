package storage

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Column is an immutable typed vector of values.
type Column interface {
	Type() Type
	Len() int
	Value(row int) interface{}
	// AppendKey appends a canonical byte encoding of row to buf.
	AppendKey(buf []byte, row int) []byte
	// Select returns a new column holding rows in the given order.
	Select(rows []int) Column
	String(row int) string
}

type Int64Column []int64

func (c Int64Column) Type() Type                { return TypeInt64 }
func (c Int64Column) Len() int                  { return len(c) }
func (c Int64Column) Value(row int) interface{} { return c[row] }
func (c Int64Column) String(row int) string     { return strconv.FormatInt(c[row], 10) }

func (c Int64Column) AppendKey(buf []byte, row int) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(c[row]))
}

func (c Int64Column) Select(rows []int) Column {
	out := make(Int64Column, len(rows))
	for i, r := range rows {
		out[i] = c[r]
	}
	return out
}

type Float64Column []float64

func (c Float64Column) Type() Type                { return TypeFloat64 }
func (c Float64Column) Len() int                  { return len(c) }
func (c Float64Column) Value(row int) interface{} { return c[row] }
func (c Float64Column) String(row int) string {
	return strconv.FormatFloat(c[row], 'g', -1, 64)
}

func (c Float64Column) AppendKey(buf []byte, row int) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(c[row]))
}

func (c Float64Column) Select(rows []int) Column {
	out := make(Float64Column, len(rows))
	for i, r := range rows {
		out[i] = c[r]
	}
	return out
}

type StringColumn []string

func (c StringColumn) Type() Type                { return TypeString }
func (c StringColumn) Len() int                  { return len(c) }
func (c StringColumn) Value(row int) interface{} { return c[row] }
func (c StringColumn) String(row int) string     { return c[row] }

func (c StringColumn) AppendKey(buf []byte, row int) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c[row])))
	return append(buf, c[row]...)
}

func (c StringColumn) Select(rows []int) Column {
	out := make(StringColumn, len(rows))
	for i, r := range rows {
		out[i] = c[r]
	}
	return out
}

type BoolColumn []bool

func (c BoolColumn) Type() Type                { return TypeBool }
func (c BoolColumn) Len() int                  { return len(c) }
func (c BoolColumn) Value(row int) interface{} { return c[row] }
func (c BoolColumn) String(row int) string     { return strconv.FormatBool(c[row]) }

func (c BoolColumn) AppendKey(buf []byte, row int) []byte {
	if c[row] {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (c BoolColumn) Select(rows []int) Column {
	out := make(BoolColumn, len(rows))
	for i, r := range rows {
		out[i] = c[r]
	}
	return out
}
