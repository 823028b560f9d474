package emp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	// maxNesting bounds how deep lists and mappings may nest inside a payload.
	maxNesting = 32

	// maxPrealloc caps capacity taken from a declared map or array length
	maxPrealloc = 64
)

var errTooDeep = errors.New("payload nesting too deep")

// Field is one named payload value.
type Field struct {
	Name  string
	Value interface{}
}

// Payload is an ordered field-to-value mapping. Decoded values are nil, bool,
// int64, uint64, float64, string, []interface{} or a nested Payload.
type Payload []Field

// Get returns the value of the named field
func (p Payload) Get(name string) (interface{}, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the named field or appends it
func (p *Payload) Set(name string, value interface{}) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Field{Name: name, Value: value})
}

// Names returns field names in order
func (p Payload) Names() []string {
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.Name
	}
	return names
}

// Map flattens the payload into a map, converting nested payloads too
func (p Payload) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p))
	for _, f := range p {
		m[f.Name] = plainValue(f.Value)
	}
	return m
}

func plainValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Payload:
		return val.Map()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = plainValue(val[i])
		}
		return out
	default:
		return v
	}
}

// PayloadFromMap builds a payload from a map with keys in sorted order
func PayloadFromMap(m map[string]interface{}) Payload {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	p := make(Payload, 0, len(m))
	for _, name := range names {
		p = append(p, Field{Name: name, Value: m[name]})
	}
	return p
}

// marshalPayload serializes p in the given format
func marshalPayload(p Payload, format PayloadFormat) ([]byte, error) {
	switch format {
	case FormatMsgPack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		if err := encodeMsgPackMap(enc, p); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		var buf bytes.Buffer
		if err := encodeJSONMap(&buf, p); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported payload format %s", format)
	}
}

// unmarshalPayload parses data as a string-keyed mapping. Decoding is driven
// by an explicit schema walk so field order survives and nothing in the
// input is interpreted beyond plain data.
func unmarshalPayload(data []byte, format PayloadFormat) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, nil
	}

	switch format {
	case FormatMsgPack:
		r := bytes.NewReader(data)
		dec := msgpack.NewDecoder(r)
		p, err := decodeMsgPackMap(dec, r, 0)
		if err != nil {
			return nil, err
		}
		if r.Len() != 0 {
			return nil, fmt.Errorf("%d trailing bytes after payload", r.Len())
		}
		return p, nil
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return nil, errors.New("payload is not a JSON object")
		}
		p, err := decodeJSONObject(dec, 0)
		if err != nil {
			return nil, err
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, errors.New("trailing data after JSON payload")
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported payload format %s", format)
	}
}

func encodeMsgPackMap(enc *msgpack.Encoder, p Payload) error {
	if err := enc.EncodeMapLen(len(p)); err != nil {
		return err
	}
	for _, f := range p {
		if err := enc.EncodeString(f.Name); err != nil {
			return err
		}
		if err := encodeMsgPackValue(enc, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

func encodeMsgPackValue(enc *msgpack.Encoder, v interface{}) error {
	switch val := v.(type) {
	case Payload:
		return encodeMsgPackMap(enc, val)
	case map[string]interface{}:
		return encodeMsgPackMap(enc, PayloadFromMap(val))
	case []interface{}:
		if err := enc.EncodeArrayLen(len(val)); err != nil {
			return err
		}
		for _, item := range val {
			if err := encodeMsgPackValue(enc, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return enc.Encode(v)
	}
}

func isMsgPackMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}

func isMsgPackArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

// checkDeclaredLen rejects a map or array header that claims more entries
// than the remaining input could hold; each entry takes at least minBytes.
func checkDeclaredLen(n, minBytes int, r *bytes.Reader) error {
	if n < 0 {
		return nil
	}
	if n > r.Len()/minBytes {
		return fmt.Errorf("declared %d entries but only %d bytes remain", n, r.Len())
	}
	return nil
}

func decodeMsgPackMap(dec *msgpack.Decoder, r *bytes.Reader, depth int) (Payload, error) {
	if depth > maxNesting {
		return nil, errTooDeep
	}

	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if !isMsgPackMap(c) {
		return nil, fmt.Errorf("expected mapping, got msgpack code 0x%02x", c)
	}

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if err := checkDeclaredLen(n, 2, r); err != nil {
		return nil, err
	}

	p := make(Payload, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("field name: %w", err)
		}
		value, err := decodeMsgPackValue(dec, r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		p = append(p, Field{Name: name, Value: value})
	}
	return p, nil
}

func decodeMsgPackValue(dec *msgpack.Decoder, r *bytes.Reader, depth int) (interface{}, error) {
	if depth > maxNesting {
		return nil, errTooDeep
	}

	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case isMsgPackMap(c):
		return decodeMsgPackMap(dec, r, depth)
	case isMsgPackArray(c):
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if err := checkDeclaredLen(n, 1, r); err != nil {
			return nil, err
		}
		items := make([]interface{}, 0, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			item, err := decodeMsgPackValue(dec, r, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case msgpcode.IsExt(c):
		return nil, fmt.Errorf("extension types are not allowed in payloads")
	default:
		return dec.DecodeInterfaceLoose()
	}
}

func encodeJSONMap(buf *bytes.Buffer, p Payload) error {
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := encodeJSONValue(buf, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeJSONValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case Payload:
		return encodeJSONMap(buf, val)
	case map[string]interface{}:
		return encodeJSONMap(buf, PayloadFromMap(val))
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSONValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}

// decodeJSONObject reads fields until the closing brace; the opening brace
// has already been consumed.
func decodeJSONObject(dec *json.Decoder, depth int) (Payload, error) {
	if depth > maxNesting {
		return nil, errTooDeep
	}

	p := Payload{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected field name token %v", tok)
		}
		value, err := decodeJSONValue(dec, depth+1)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		p = append(p, Field{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeJSONValue(dec *json.Decoder, depth int) (interface{}, error) {
	if depth > maxNesting {
		return nil, errTooDeep
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeJSONObject(dec, depth)
		case '[':
			items := []interface{}{}
			for dec.More() {
				item, err := decodeJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return items, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	default:
		// string, bool or nil
		return t, nil
	}
}
