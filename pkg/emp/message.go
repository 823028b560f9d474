// Package emp implements the Edge Message Protocol frame: a fixed binary
// header followed by a structured payload, carried on the wire as
// hexadecimal text.
package emp

import (
	"fmt"
	"time"

	"github.com/meftunca/empbroker/pkg/compression"
)

// ProtocolVersion is the only EMP version this codec accepts.
const ProtocolVersion = 4

// Well-known message types exchanged between locomotives and the back office.
const (
	TypeLocoStatus  uint16 = 6000
	TypeLocoCommand uint16 = 6001
)

// PayloadFormat selects how the payload section is serialized.
type PayloadFormat uint8

const (
	FormatMsgPack PayloadFormat = iota
	FormatJSON
)

func (f PayloadFormat) String() string {
	switch f {
	case FormatMsgPack:
		return "msgpack"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Message is one EMP message. Messages returned by Codec.Decode carry the
// exact frame they were parsed from in Raw and must not be modified.
type Message struct {
	// Assigned by the broker at receipt
	ID        string
	CreatedAt time.Time

	// Header
	Version     uint8
	Type        uint16
	Sender      string
	Dest        string
	Compression compression.Algorithm
	Format      PayloadFormat

	Payload Payload

	// Raw is the binary frame as received
	Raw []byte
}

// NewMessage creates an uncompressed msgpack-payload message
func NewMessage(msgType uint16, sender, dest string, payload Payload) *Message {
	return &Message{
		Version: ProtocolVersion,
		Type:    msgType,
		Sender:  sender,
		Dest:    dest,
		Payload: payload,
	}
}

// WithCompression sets the payload compression algorithm
func (m *Message) WithCompression(alg compression.Algorithm) *Message {
	m.Compression = alg
	return m
}

// WithFormat sets the payload serialization format
func (m *Message) WithFormat(format PayloadFormat) *Message {
	m.Format = format
	return m
}

// Size returns the length of the received frame
func (m *Message) Size() int {
	return len(m.Raw)
}

// Age returns how long ago the broker accepted the message
func (m *Message) Age(now time.Time) time.Duration {
	if m.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(m.CreatedAt)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message { Type: %d, Sender: %s, Dest: %s, Fields: %d }",
		m.Type, m.Sender, m.Dest, len(m.Payload))
}
