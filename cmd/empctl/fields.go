package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/meftunca/empbroker/pkg/emp"
)

// fieldList collects repeated -field name=value flags in order
type fieldList []emp.Field

func (f *fieldList) String() string {
	parts := make([]string, len(*f))
	for i, field := range *f {
		parts[i] = fmt.Sprintf("%s=%v", field.Name, field.Value)
	}
	return strings.Join(parts, ",")
}

func (f *fieldList) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("field %q is not name=value", s)
	}
	*f = append(*f, emp.Field{Name: name, Value: parseValue(value)})
	return nil
}

// parseValue picks the narrowest type: integer, float, bool, then string.
// Quoting the value forces a string.
func parseValue(s string) interface{} {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseFormat(name string) (emp.PayloadFormat, error) {
	switch name {
	case "msgpack":
		return emp.FormatMsgPack, nil
	case "json":
		return emp.FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported payload format %q", name)
	}
}

func printMessage(w io.Writer, msg *emp.Message) {
	fmt.Fprintf(w, "type=%d sender=%s dest=%s format=%s compression=%s\n",
		msg.Type, msg.Sender, msg.Dest, msg.Format, msg.Compression)
	for _, field := range msg.Payload {
		fmt.Fprintf(w, "  %s=%v\n", field.Name, field.Value)
	}
}
