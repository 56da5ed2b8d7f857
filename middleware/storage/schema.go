package storage

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Type is the type of a column.
type Type int32

const (
	TypeInt64 Type = iota
	TypeFloat64
	TypeString
	TypeBool
)

var typeNames = map[Type]string{
	TypeInt64:   "INT64",
	TypeFloat64: "FLOAT64",
	TypeString:  "STRING",
	TypeBool:    "BOOL",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseType parses a type name, case insensitively.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, errors.Newf("unknown column type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Schema is an ordered list of named, typed columns.
type Schema struct {
	Types []Type   `json:"types"`
	Names []string `json:"names"`
}

func NewSchema(types []Type, names []string) (*Schema, error) {
	if len(types) != len(names) {
		return nil, errors.Newf("schema has %d types but %d names", len(types), len(names))
	}
	return &Schema{Types: types, Names: names}, nil
}

func (s *Schema) NumColumns() int {
	return len(s.Types)
}

// ColumnIndex returns the index of the named column, -1 if absent.
func (s *Schema) ColumnIndex(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Types) != len(o.Types) {
		return false
	}
	for i := range s.Types {
		if s.Types[i] != o.Types[i] || s.Names[i] != o.Names[i] {
			return false
		}
	}
	return true
}
