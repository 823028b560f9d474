package emp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/meftunca/empbroker/pkg/compression"
	"github.com/meftunca/empbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	codec, err := NewCodec(opts...)
	require.NoError(t, err)
	return codec
}

func testPayload() Payload {
	return Payload{
		{Name: "loco", Value: "L-100"},
		{Name: "speed", Value: 42.5},
		{Name: "count", Value: int64(7)},
		{Name: "moving", Value: true},
		{Name: "note", Value: nil},
		{Name: "tags", Value: []interface{}{"a", "b"}},
		{Name: "pos", Value: Payload{{Name: "lat", Value: 41.25}, {Name: "long", Value: -87.75}}},
	}
}

// lengthOffset returns where the payload length field starts in frame
func lengthOffset(frame []byte) int {
	s := int(frame[4])
	d := int(frame[5+s])
	return 6 + s + d
}

func TestCodecRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("MsgPack", func(t *testing.T) {
		msg := NewMessage(TypeLocoStatus, "loco-1", "office", testPayload())

		wire, err := codec.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(string(wire)), string(wire))

		decoded, err := codec.Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, uint8(ProtocolVersion), decoded.Version)
		assert.Equal(t, TypeLocoStatus, decoded.Type)
		assert.Equal(t, "loco-1", decoded.Sender)
		assert.Equal(t, "office", decoded.Dest)
		assert.Equal(t, FormatMsgPack, decoded.Format)
		assert.Equal(t, testPayload(), decoded.Payload)
		assert.Equal(t, wire, WireOf(decoded))
	})

	t.Run("JSON", func(t *testing.T) {
		msg := NewMessage(TypeLocoCommand, "office", "loco-1", testPayload()).WithFormat(FormatJSON)

		wire, err := codec.Encode(msg)
		require.NoError(t, err)

		decoded, err := codec.Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, FormatJSON, decoded.Format)
		assert.Equal(t, testPayload(), decoded.Payload)
		assert.Equal(t, wire, WireOf(decoded))
	})

	t.Run("Compressed", func(t *testing.T) {
		for alg := compression.Zstd; alg <= compression.MaxAlgorithm; alg++ {
			t.Run(alg.String(), func(t *testing.T) {
				msg := NewMessage(TypeLocoStatus, "loco-1", "office", testPayload()).WithCompression(alg)

				wire, err := codec.Encode(msg)
				require.NoError(t, err)

				decoded, err := codec.Decode(wire)
				require.NoError(t, err)
				assert.Equal(t, alg, decoded.Compression)
				assert.Equal(t, testPayload(), decoded.Payload)
			})
		}
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		frame, err := codec.EncodeFrame(NewMessage(1, "a", "b", nil))
		require.NoError(t, err)

		// Explicit zero-length payload section
		frame = frame[:lengthOffset(frame)]
		frame = binary.BigEndian.AppendUint32(frame, 0)
		assert.Len(t, frame, MinFrameSize)

		decoded, err := codec.DecodeFrame(frame)
		require.NoError(t, err)
		assert.Empty(t, decoded.Payload)
	})

	t.Run("UppercaseHexAndWhitespace", func(t *testing.T) {
		wire, err := codec.Encode(NewMessage(1, "a", "b", testPayload()))
		require.NoError(t, err)

		padded := append([]byte(" "), bytes.ToUpper(wire)...)
		padded = append(padded, "\r\n"...)

		decoded, err := codec.Decode(padded)
		require.NoError(t, err)
		assert.Equal(t, wire, WireOf(decoded))
	})

	t.Run("RawIsACopy", func(t *testing.T) {
		frame, err := codec.EncodeFrame(NewMessage(1, "a", "b", testPayload()))
		require.NoError(t, err)

		decoded, err := codec.DecodeFrame(frame)
		require.NoError(t, err)

		original := bytes.Clone(frame)
		frame[0] = 0xFF
		assert.Equal(t, original, decoded.Raw)
	})
}

func TestCodecFieldOrder(t *testing.T) {
	codec := newTestCodec(t)
	payload := Payload{
		{Name: "z", Value: int64(1)},
		{Name: "a", Value: int64(2)},
		{Name: "m", Value: int64(3)},
	}

	for _, format := range []PayloadFormat{FormatMsgPack, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			wire, err := codec.Encode(NewMessage(1, "a", "b", payload).WithFormat(format))
			require.NoError(t, err)

			decoded, err := codec.Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, []string{"z", "a", "m"}, decoded.Payload.Names())
		})
	}
}

// payloadFrame wraps a raw msgpack payload section in a valid header
func payloadFrame(section ...byte) []byte {
	frame := []byte{ProtocolVersion, 0, 0, 1, 1, 'a', 1, 'b'}
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(section)))
	return append(frame, section...)
}

func TestCodecMalformed(t *testing.T) {
	codec := newTestCodec(t)

	valid, err := codec.EncodeFrame(NewMessage(TypeLocoStatus, "loco-1", "office", testPayload()))
	require.NoError(t, err)

	mutate := func(fn func(frame []byte) []byte) []byte {
		return fn(bytes.Clone(valid))
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"Empty", nil},
		{"ShortHeader", valid[:MinFrameSize-1]},
		{"BadVersion", mutate(func(f []byte) []byte { f[0] = 3; return f })},
		{"ReservedFlags", mutate(func(f []byte) []byte { f[1] |= 0x10; return f })},
		{"UnknownCompression", mutate(func(f []byte) []byte { f[1] |= 0x07; return f })},
		{"DeclaredLonger", mutate(func(f []byte) []byte {
			off := lengthOffset(f)
			n := binary.BigEndian.Uint32(f[off:])
			binary.BigEndian.PutUint32(f[off:], n+1)
			return f
		})},
		{"DeclaredShorter", mutate(func(f []byte) []byte {
			off := lengthOffset(f)
			n := binary.BigEndian.Uint32(f[off:])
			binary.BigEndian.PutUint32(f[off:], n-1)
			return f
		})},
		{"TrailingByte", mutate(func(f []byte) []byte { return append(f, 0) })},
		{"Truncated", valid[:len(valid)-1]},
		{"EmptySender", []byte{ProtocolVersion, 0, 0, 1, 0, 1, 'b', 0, 0, 0, 0, 0}},
		{"EmptyDest", []byte{ProtocolVersion, 0, 0, 1, 1, 'a', 0, 0, 0, 0, 0, 0}},
		{"SenderWithSpace", []byte{ProtocolVersion, 0, 0, 1, 2, 'a', ' ', 1, 'b', 0, 0, 0, 0}},
		{"PayloadNotMapping", []byte{ProtocolVersion, 0, 0, 1, 1, 'a', 1, 'b', 0, 0, 0, 1, 0x01}},
		{"CorruptCompressed", []byte{ProtocolVersion, byte(compression.Zstd), 0, 1, 1, 'a', 1, 'b', 0, 0, 0, 3, 1, 2, 3}},

		// Length prefixes inside the payload that claim more than the frame holds
		{"Map32Overstated", payloadFrame(0xdf, 0x0f, 0xff, 0xff, 0xff)},
		{"NestedMap32Overstated", payloadFrame(0x81, 0xa1, 'x', 0xdf, 0x7f, 0xff, 0xff, 0xff)},
		{"Array32Overstated", payloadFrame(0x81, 0xa1, 'x', 0xdd, 0x0f, 0xff, 0xff, 0xff)},
		{"Map16Overstated", payloadFrame(0xde, 0xff, 0xff, 0xa1, 'x', 0x01)},
		{"Str32NameOverstated", payloadFrame(0x81, 0xdb, 0x7f, 0xff, 0xff, 0xff, 'x')},
		{"Str32ValueOverstated", payloadFrame(0x81, 0xa1, 'x', 0xdb, 0x7f, 0xff, 0xff, 0xff, 'y')},
		{"Bin32ValueOverstated", payloadFrame(0x81, 0xa1, 'x', 0xc6, 0x7f, 0xff, 0xff, 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeFrame(tt.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrMalformed), "got %v", err)
		})
	}

	t.Run("InvalidHex", func(t *testing.T) {
		_, err := codec.Decode([]byte("04zz"))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrCodeMalformedMessage))
	})

	t.Run("OddHex", func(t *testing.T) {
		_, err := codec.Decode([]byte("040"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrMalformed))
	})
}

func TestCodecPayloadLimit(t *testing.T) {
	codec := newTestCodec(t, WithMaxPayloadSize(64))
	big := Payload{{Name: "blob", Value: strings.Repeat("x", 512)}}

	t.Run("EncodeRejects", func(t *testing.T) {
		_, err := codec.Encode(NewMessage(1, "a", "b", big))
		assert.Error(t, err)
	})

	t.Run("DecompressionBomb", func(t *testing.T) {
		unbounded := newTestCodec(t)
		frame, err := unbounded.EncodeFrame(NewMessage(1, "a", "b", big).WithCompression(compression.Zstd))
		require.NoError(t, err)
		require.Less(t, len(frame), 64)

		_, err = codec.DecodeFrame(frame)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrMalformed))
		assert.True(t, errors.Is(err, compression.ErrTooLarge))
	})
}

func TestEncodeFrameValidation(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.EncodeFrame(NewMessage(1, "", "b", nil))
	assert.Error(t, err)

	_, err = codec.EncodeFrame(NewMessage(1, "a", strings.Repeat("d", 256), nil))
	assert.Error(t, err)

	msg := NewMessage(1, "a", "b", testPayload())
	before := *msg
	_, err = codec.EncodeFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, before, *msg)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("loco-17"))
	assert.NoError(t, ValidateAddress("bürö"))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("two words"))
	assert.Error(t, ValidateAddress("tab\there"))
	assert.Error(t, ValidateAddress("nl\n"))
	assert.Error(t, ValidateAddress(string([]byte{0xff, 0xfe})))
	assert.Error(t, ValidateAddress(strings.Repeat("x", 256)))
}
