package emp

import (
	"fmt"
	"sort"

	"github.com/meftunca/empbroker/pkg/types"
)

// ConnInfo describes a locomotive's link to one base station.
type ConnInfo struct {
	Connected bool
	Signal    int64
}

// LocoStatus is the payload of a TypeLocoStatus message.
type LocoStatus struct {
	Sent      float64
	Loco      string
	Speed     float64
	Heading   float64
	Direction string
	Milepost  float64
	Lat       float64
	Long      float64
	Base      string
	Conns     map[string]ConnInfo
}

// LocoCommand is the payload of a TypeLocoCommand message.
type LocoCommand struct {
	Loco      string
	Speed     float64
	Direction string
}

// ToPayload converts the status into an ordered payload
func (s *LocoStatus) ToPayload() Payload {
	bases := make([]string, 0, len(s.Conns))
	for base := range s.Conns {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	conns := make(Payload, 0, len(bases))
	for _, base := range bases {
		info := s.Conns[base]
		conns = append(conns, Field{Name: base, Value: Payload{
			{Name: "connected", Value: info.Connected},
			{Name: "signal", Value: info.Signal},
		}})
	}

	return Payload{
		{Name: "sent", Value: s.Sent},
		{Name: "loco", Value: s.Loco},
		{Name: "speed", Value: s.Speed},
		{Name: "heading", Value: s.Heading},
		{Name: "direction", Value: s.Direction},
		{Name: "milepost", Value: s.Milepost},
		{Name: "lat", Value: s.Lat},
		{Name: "long", Value: s.Long},
		{Name: "base", Value: s.Base},
		{Name: "conns", Value: conns},
	}
}

// ParseLocoStatus reads a status payload. conns is optional; every other
// field is required.
func ParseLocoStatus(p Payload) (*LocoStatus, error) {
	r := fieldReader{p: p}
	s := &LocoStatus{
		Sent:      r.number("sent"),
		Loco:      r.str("loco"),
		Speed:     r.number("speed"),
		Heading:   r.number("heading"),
		Direction: r.str("direction"),
		Milepost:  r.number("milepost"),
		Lat:       r.number("lat"),
		Long:      r.number("long"),
		Base:      r.str("base"),
		Conns:     map[string]ConnInfo{},
	}
	if r.err != nil {
		return nil, r.err
	}

	raw, ok := p.Get("conns")
	if !ok || raw == nil {
		return s, nil
	}
	conns, ok := raw.(Payload)
	if !ok {
		return nil, types.ErrMalformedMessage("field conns is not a mapping")
	}
	for _, f := range conns {
		entry, ok := f.Value.(Payload)
		if !ok {
			return nil, types.ErrMalformedMessage(fmt.Sprintf("conns entry %q is not a mapping", f.Name))
		}
		er := fieldReader{p: entry}
		info := ConnInfo{
			Connected: er.boolean("connected"),
			Signal:    er.integer("signal"),
		}
		if er.err != nil {
			return nil, er.err
		}
		s.Conns[f.Name] = info
	}
	return s, nil
}

// ToPayload converts the command into an ordered payload
func (c *LocoCommand) ToPayload() Payload {
	return Payload{
		{Name: "loco", Value: c.Loco},
		{Name: "speed", Value: c.Speed},
		{Name: "direction", Value: c.Direction},
	}
}

// ParseLocoCommand reads a command payload
func ParseLocoCommand(p Payload) (*LocoCommand, error) {
	r := fieldReader{p: p}
	c := &LocoCommand{
		Loco:      r.str("loco"),
		Speed:     r.number("speed"),
		Direction: r.str("direction"),
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// fieldReader records the first missing or mistyped field
type fieldReader struct {
	p   Payload
	err error
}

func (r *fieldReader) get(name string) (interface{}, bool) {
	if r.err != nil {
		return nil, false
	}
	v, ok := r.p.Get(name)
	if !ok {
		r.err = types.ErrMalformedMessage(fmt.Sprintf("missing field %q", name))
		return nil, false
	}
	return v, true
}

func (r *fieldReader) fail(name, want string, v interface{}) {
	r.err = types.ErrMalformedMessage(fmt.Sprintf("field %q is %T, want %s", name, v, want))
}

func (r *fieldReader) str(name string) string {
	v, ok := r.get(name)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(name, "string", v)
	}
	return s
}

func (r *fieldReader) number(name string) float64 {
	v, ok := r.get(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		r.fail(name, "number", v)
		return 0
	}
}

func (r *fieldReader) integer(name string) int64 {
	v, ok := r.get(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	default:
		r.fail(name, "integer", v)
		return 0
	}
}

func (r *fieldReader) boolean(name string) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(name, "bool", v)
	}
	return b
}
