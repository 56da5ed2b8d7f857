package gateway

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

type Marshaler interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	NewDecoder(r io.Reader) Decoder
	NewEncoder(w io.Writer) Encoder
	ContentType(v interface{}) string
}

type Decoder interface {
	Decode(v interface{}) error
}

type Encoder interface {
	Encode(v interface{}) error
}

var defaultMarshaler Marshaler = &JSONMarshaler{api: jsoniter.ConfigCompatibleWithStandardLibrary}

// JSONMarshaler encodes bodies with json-iterator.
type JSONMarshaler struct {
	api jsoniter.API
}

func (m *JSONMarshaler) Marshal(v interface{}) ([]byte, error) {
	return m.api.Marshal(v)
}

func (m *JSONMarshaler) Unmarshal(data []byte, v interface{}) error {
	return m.api.Unmarshal(data, v)
}

func (m *JSONMarshaler) NewDecoder(r io.Reader) Decoder {
	return m.api.NewDecoder(r)
}

func (m *JSONMarshaler) NewEncoder(w io.Writer) Encoder {
	return m.api.NewEncoder(w)
}

func (m *JSONMarshaler) ContentType(interface{}) string {
	return "application/json"
}
