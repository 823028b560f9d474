package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// SonicEncoder uses bytedance/sonic with standard library compatible output
type SonicEncoder struct {
	api sonic.API
}

// NewSonicEncoder creates a sonic encoder
func NewSonicEncoder() *SonicEncoder {
	return &SonicEncoder{api: sonic.ConfigStd}
}

func (e *SonicEncoder) Name() Library {
	return LibrarySonic
}

func (e *SonicEncoder) Marshal(v interface{}) ([]byte, error) {
	return e.api.Marshal(v)
}

func (e *SonicEncoder) Unmarshal(data []byte, v interface{}) error {
	return e.api.Unmarshal(data, v)
}

func (e *SonicEncoder) Encode(w io.Writer, v interface{}) error {
	data, err := e.api.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
