package emp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/meftunca/empbroker/pkg/compression"
	"github.com/meftunca/empbroker/pkg/types"
)

// Frame layout (big endian):
// [1 byte]  - Protocol Version
// [1 byte]  - Flags (bits 0-2 compression, bit 3 JSON payload, bits 4-7 reserved)
// [2 bytes] - Message Type
// [1 byte]  - Sender Length S
// [S bytes] - Sender Address
// [1 byte]  - Destination Length D
// [D bytes] - Destination Address
// [4 bytes] - Payload Length N
// [N bytes] - Payload

const (
	// MinFrameSize is the frame size with one-byte addresses and no payload
	MinFrameSize = 12

	// DefaultMaxPayloadSize bounds the decoded payload section
	DefaultMaxPayloadSize = 1 << 20

	maxAddressLen = 255

	flagCompressionMask = 0x07
	flagJSONPayload     = 0x08
	flagReservedMask    = 0xF0
)

// Codec encodes and decodes EMP frames
type Codec struct {
	compressors    *compression.Factory
	maxPayloadSize int
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithCompressors sets the compressor factory used for flagged payloads
func WithCompressors(f *compression.Factory) CodecOption {
	return func(c *Codec) {
		c.compressors = f
	}
}

// WithMaxPayloadSize bounds the payload section after decompression
func WithMaxPayloadSize(n int) CodecOption {
	return func(c *Codec) {
		c.maxPayloadSize = n
	}
}

// NewCodec creates a codec. Without WithCompressors every supported
// algorithm is registered at its default level.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{maxPayloadSize: DefaultMaxPayloadSize}
	for _, opt := range opts {
		opt(c)
	}

	if c.compressors == nil {
		factory, err := compression.NewDefaultFactory(3)
		if err != nil {
			return nil, err
		}
		c.compressors = factory
	}
	return c, nil
}

// Decode reverses the hexadecimal transport encoding and parses the frame
func (c *Codec) Decode(wire []byte) (*Message, error) {
	frame, err := DecodeWire(wire)
	if err != nil {
		return nil, err
	}
	return c.DecodeFrame(frame)
}

// DecodeFrame parses a binary frame. The returned message keeps a copy of
// the frame in Raw.
func (c *Codec) DecodeFrame(frame []byte) (*Message, error) {
	if len(frame) < MinFrameSize {
		return nil, types.ErrMalformedMessage("frame shorter than header").
			WithDetail("size", len(frame))
	}

	version := frame[0]
	if version != ProtocolVersion {
		return nil, types.ErrMalformedMessage("unsupported protocol version").
			WithDetail("version", version)
	}

	flags := frame[1]
	if flags&flagReservedMask != 0 {
		return nil, types.ErrMalformedMessage("reserved flag bits set").
			WithDetail("flags", flags)
	}
	alg := compression.Algorithm(flags & flagCompressionMask)
	if alg > compression.MaxAlgorithm {
		return nil, types.ErrMalformedMessage("unknown compression algorithm").
			WithDetail("compression", uint8(alg))
	}
	format := FormatMsgPack
	if flags&flagJSONPayload != 0 {
		format = FormatJSON
	}

	msg := &Message{
		Version:     version,
		Type:        binary.BigEndian.Uint16(frame[2:4]),
		Compression: alg,
		Format:      format,
	}

	pos := 4
	sender, pos, err := readAddress(frame, pos, "sender")
	if err != nil {
		return nil, err
	}
	dest, pos, err := readAddress(frame, pos, "destination")
	if err != nil {
		return nil, err
	}
	msg.Sender = sender
	msg.Dest = dest

	if len(frame) < pos+4 {
		return nil, types.ErrMalformedMessage("missing payload length")
	}
	declared := int(binary.BigEndian.Uint32(frame[pos : pos+4]))
	pos += 4

	if actual := len(frame) - pos; actual != declared {
		return nil, types.ErrMalformedMessage("payload length mismatch").
			WithDetail("declared", declared).
			WithDetail("actual", actual)
	}
	if c.maxPayloadSize > 0 && declared > c.maxPayloadSize {
		return nil, types.ErrMalformedMessage("payload exceeds limit").
			WithDetail("size", declared).
			WithDetail("max_size", c.maxPayloadSize)
	}

	section := frame[pos:]
	if alg != compression.None {
		compressor, err := c.compressors.Get(alg)
		if err != nil {
			return nil, types.ErrMalformedMessageWithCause("compression unavailable", err)
		}
		section, err = compressor.Decompress(section, c.maxPayloadSize)
		if err != nil {
			return nil, types.ErrMalformedMessageWithCause("payload decompression failed", err)
		}
	}

	payload, err := unmarshalPayload(section, format)
	if err != nil {
		return nil, types.ErrMalformedMessageWithCause("payload is not a field mapping", err)
	}
	msg.Payload = payload
	msg.Raw = bytes.Clone(frame)

	return msg, nil
}

func readAddress(frame []byte, pos int, name string) (string, int, error) {
	if len(frame) <= pos {
		return "", pos, types.ErrMalformedMessage("missing " + name + " address")
	}
	n := int(frame[pos])
	pos++
	if n == 0 {
		return "", pos, types.ErrMalformedMessage("empty " + name + " address")
	}
	if len(frame) < pos+n {
		return "", pos, types.ErrMalformedMessage("truncated " + name + " address")
	}
	addr := string(frame[pos : pos+n])
	if err := ValidateAddress(addr); err != nil {
		return "", pos, types.ErrMalformedMessageWithCause("invalid "+name+" address", err)
	}
	return addr, pos + n, nil
}

// ValidateAddress checks that an endpoint name fits in a frame and can be
// requested on the fetch endpoint as plain text.
func ValidateAddress(addr string) error {
	if addr == "" {
		return errors.New("address is empty")
	}
	if len(addr) > maxAddressLen {
		return fmt.Errorf("address longer than %d bytes", maxAddressLen)
	}
	if !utf8.ValidString(addr) {
		return errors.New("address is not valid UTF-8")
	}
	for _, r := range addr {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("address contains %q", r)
		}
	}
	return nil
}

// EncodeFrame produces the binary frame for m. The message is not modified.
func (c *Codec) EncodeFrame(m *Message) ([]byte, error) {
	if err := ValidateAddress(m.Sender); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := ValidateAddress(m.Dest); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if m.Compression > compression.MaxAlgorithm {
		return nil, fmt.Errorf("unknown compression algorithm %d", m.Compression)
	}

	section, err := marshalPayload(m.Payload, m.Format)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if m.Compression != compression.None {
		compressor, err := c.compressors.Get(m.Compression)
		if err != nil {
			return nil, err
		}
		if section, err = compressor.Compress(section); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
	}
	if c.maxPayloadSize > 0 && len(section) > c.maxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit %d", len(section), c.maxPayloadSize)
	}

	version := m.Version
	if version == 0 {
		version = ProtocolVersion
	}
	flags := byte(m.Compression) & flagCompressionMask
	if m.Format == FormatJSON {
		flags |= flagJSONPayload
	}

	frame := make([]byte, 0, 10+len(m.Sender)+len(m.Dest)+len(section))
	frame = append(frame, version, flags)
	frame = binary.BigEndian.AppendUint16(frame, m.Type)
	frame = append(frame, byte(len(m.Sender)))
	frame = append(frame, m.Sender...)
	frame = append(frame, byte(len(m.Dest)))
	frame = append(frame, m.Dest...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(section)))
	frame = append(frame, section...)

	return frame, nil
}

// Encode produces the hexadecimal wire form of m
func (c *Codec) Encode(m *Message) ([]byte, error) {
	frame, err := c.EncodeFrame(m)
	if err != nil {
		return nil, err
	}
	return EncodeWire(frame), nil
}

// EncodeWire applies the transport encoding to a binary frame
func EncodeWire(frame []byte) []byte {
	wire := make([]byte, hex.EncodedLen(len(frame)))
	hex.Encode(wire, frame)
	return wire
}

// DecodeWire reverses the transport encoding. Surrounding whitespace is ignored.
func DecodeWire(wire []byte) ([]byte, error) {
	wire = bytes.TrimSpace(wire)
	frame := make([]byte, hex.DecodedLen(len(wire)))
	if _, err := hex.Decode(frame, wire); err != nil {
		return nil, types.ErrMalformedMessageWithCause("invalid transport encoding", err)
	}
	return frame, nil
}

// WireOf returns the transport form of the frame m was decoded from
func WireOf(m *Message) []byte {
	return EncodeWire(m.Raw)
}
