package json

import (
	"encoding/json"
	"io"
)

// StandardEncoder uses encoding/json
type StandardEncoder struct{}

// NewStandardEncoder creates a standard library encoder
func NewStandardEncoder() *StandardEncoder {
	return &StandardEncoder{}
}

func (e *StandardEncoder) Name() Library {
	return LibraryStandard
}

func (e *StandardEncoder) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (e *StandardEncoder) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (e *StandardEncoder) Encode(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
