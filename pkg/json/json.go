// Package json selects the JSON encoder used by the admin API: the standard
// library or bytedance/sonic.
package json

import (
	"fmt"
	"io"
)

// Library names a JSON implementation
type Library string

const (
	LibraryStandard Library = "standard" // encoding/json
	LibrarySonic    Library = "sonic"    // bytedance/sonic
)

// Encoder encodes and decodes JSON
type Encoder interface {
	Name() Library
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	// Encode writes v followed by a newline
	Encode(w io.Writer, v interface{}) error
}

// New returns the encoder for lib. An empty name selects the standard library.
func New(lib Library) (Encoder, error) {
	switch lib {
	case LibraryStandard, "":
		return NewStandardEncoder(), nil
	case LibrarySonic:
		return NewSonicEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown json library %q", lib)
	}
}
