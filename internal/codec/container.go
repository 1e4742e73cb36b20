package codec

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// ObjectField describes one field of an Object or NamedTuple codec:
// its name (empty for a plain Tuple element) and whether it is
// implicit (e.g. a link property the query didn't ask for but the
// server includes anyway, per spec §4.3).
type ObjectField struct {
	Name     string
	Implicit bool
	Codec    Codec
}

// arrayCodec decodes a server Array: a u32 element count followed by
// that many elements, each length-prefixed, encoded with Elem.
type arrayCodec struct {
	id   uuid.UUID
	elem Codec
}

func NewArrayCodec(id uuid.UUID, elem Codec) Codec { return &arrayCodec{id: id, elem: elem} }

func (c *arrayCodec) DescriptorID() uuid.UUID { return c.id }

func (c *arrayCodec) Encode(w *protocol.Writer, v any) error {
	elems, ok := v.([]any)
	if !ok {
		return &InvalidValueError{Codec: "array", Value: v}
	}
	w.PutU32(uint32(len(elems)))
	for _, e := range elems {
		sub := protocol.NewWriter()
		if err := c.elem.Encode(sub, e); err != nil {
			return err
		}
		w.PutLenBytes(sub.Bytes())
	}
	return nil
}

func (c *arrayCodec) Decode(r *protocol.Reader) (any, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := r.LenBytes()
		if err != nil {
			return nil, err
		}
		sub := protocol.NewReader(b)
		v, err := c.elem.Decode(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// setCodec is wire-identical to arrayCodec; kept as a distinct type so
// the descriptor tag (Set vs Array, spec §4.3) round-trips through the
// Go type system rather than collapsing both to []any indistinguishably.
type setCodec struct {
	arrayCodec
}

func NewSetCodec(id uuid.UUID, elem Codec) Codec {
	return &setCodec{arrayCodec{id: id, elem: elem}}
}

// tupleCodec decodes a server Tuple: a u32 element count (redundant
// with the descriptor's known arity, but present on the wire) followed
// by each element length-prefixed in positional order.
type tupleCodec struct {
	id    uuid.UUID
	elems []Codec
}

func NewTupleCodec(id uuid.UUID, elems []Codec) Codec { return &tupleCodec{id: id, elems: elems} }

func (c *tupleCodec) DescriptorID() uuid.UUID { return c.id }

func (c *tupleCodec) Encode(w *protocol.Writer, v any) error {
	vals, ok := v.([]any)
	if !ok || len(vals) != len(c.elems) {
		return &InvalidValueError{Codec: "tuple", Value: v}
	}
	w.PutU32(uint32(len(vals)))
	for i, val := range vals {
		sub := protocol.NewWriter()
		if err := c.elems[i].Encode(sub, val); err != nil {
			return err
		}
		w.PutLenBytes(sub.Bytes())
	}
	return nil
}

func (c *tupleCodec) Decode(r *protocol.Reader) (any, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if int(n) != len(c.elems) {
		return nil, fmt.Errorf("codec: tuple: wire arity %d does not match descriptor arity %d", n, len(c.elems))
	}
	out := make([]any, n)
	for i := range out {
		b, err := r.LenBytes()
		if err != nil {
			return nil, err
		}
		v, err := c.elems[i].Decode(protocol.NewReader(b))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// namedTupleCodec and objectCodec share a wire shape: a u32 field count
// (Decode checks it against the descriptor's field count) followed, for
// each field, by a u32 present flag and then either the length-prefixed
// value (flag 1) or the length 0xffffffff with no bytes (flag 0).
// NamedTuple differs from Object only in that every field is required
// and non-implicit; both are modeled as objectCodec here.
type objectCodec struct {
	id     uuid.UUID
	fields []ObjectField
	name   string
}

func NewNamedTupleCodec(id uuid.UUID, fields []ObjectField) Codec {
	return &objectCodec{id: id, fields: fields, name: "named_tuple"}
}

func NewObjectCodec(id uuid.UUID, fields []ObjectField) Codec {
	return &objectCodec{id: id, fields: fields, name: "object"}
}

// FieldedCodec is implemented by codecs with named fields (Object,
// NamedTuple). The Query Engine type-asserts an input codec against
// this to validate argument names before encoding (spec §4.6 step 4).
type FieldedCodec interface {
	Fields() []ObjectField
}

// Fields exposes the field descriptors, which the query engine reads to
// validate argument names before encoding.
func (c *objectCodec) Fields() []ObjectField { return c.fields }

func (c *objectCodec) DescriptorID() uuid.UUID { return c.id }

func (c *objectCodec) Encode(w *protocol.Writer, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return &InvalidValueError{Codec: c.name, Value: v}
	}
	w.PutU32(uint32(len(c.fields)))
	for _, f := range c.fields {
		val, present := m[f.Name]
		sub := protocol.NewWriter()
		if !present {
			// Absent optional field: a present-flag of 0 and no payload,
			// mirroring the server's own encoding of an unset argument.
			w.PutU32(0)
			w.PutU32(0xffffffff)
			continue
		}
		if err := f.Codec.Encode(sub, val); err != nil {
			return err
		}
		w.PutU32(1)
		w.PutLenBytes(sub.Bytes())
	}
	return nil
}

func (c *objectCodec) Decode(r *protocol.Reader) (any, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if int(n) != len(c.fields) {
		return nil, fmt.Errorf("codec: %s: wire field count %d does not match descriptor count %d", c.name, n, len(c.fields))
	}
	out := make(map[string]any, n)
	for i := uint32(0); i < n; i++ {
		present, err := r.U32()
		if err != nil {
			return nil, err
		}
		f := c.fields[i]
		if present == 0 {
			if _, err := r.U32(); err != nil {
				return nil, err
			}
			out[f.Name] = nil
			continue
		}
		b, err := r.LenBytes()
		if err != nil {
			return nil, err
		}
		v, err := f.Codec.Decode(protocol.NewReader(b))
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

// enumCodec decodes like text but validates the decoded label against
// a closed member set; Encode likewise rejects labels the descriptor
// never advertised.
type enumCodec struct {
	id      uuid.UUID
	members map[string]struct{}
}

func NewEnumCodec(id uuid.UUID, members []string) Codec {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return &enumCodec{id: id, members: set}
}

func (c *enumCodec) DescriptorID() uuid.UUID { return c.id }

func (c *enumCodec) Encode(w *protocol.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return &InvalidValueError{Codec: "enum", Value: v}
	}
	if _, ok := c.members[s]; !ok {
		return fmt.Errorf("codec: enum: %q is not a member of this enum", s)
	}
	w.PutBytes([]byte(s))
	return nil
}

func (c *enumCodec) Decode(r *protocol.Reader) (any, error) {
	b, err := r.Bytes(r.Len())
	if err != nil {
		return nil, err
	}
	s := string(b)
	if _, ok := c.members[s]; !ok {
		return nil, fmt.Errorf("codec: enum: server sent unknown member %q", s)
	}
	return s, nil
}

// rangeCodec decodes a Range scalar: a flags byte then, depending on
// which bounds are finite/present, length-prefixed lower/upper bound
// values encoded with the base element codec (spec §3's scalar list
// includes range as a supplementary modern scalar shape).
type rangeCodec struct {
	id   uuid.UUID
	elem Codec
}

func NewRangeCodec(id uuid.UUID, elem Codec) Codec { return &rangeCodec{id: id, elem: elem} }

const (
	rangeFlagEmpty     = 1 << 0
	rangeFlagLowerInc  = 1 << 1
	rangeFlagUpperInc  = 1 << 2
	rangeFlagNoLower   = 1 << 3
	rangeFlagNoUpper   = 1 << 4
)

// RangeValue is the decoded shape of a range scalar.
type RangeValue struct {
	Empty      bool
	Lower      any
	Upper      any
	LowerInc   bool
	UpperInc   bool
	HasLower   bool
	HasUpper   bool
}

func (c *rangeCodec) DescriptorID() uuid.UUID { return c.id }

func (c *rangeCodec) Encode(w *protocol.Writer, v any) error {
	rv, ok := v.(RangeValue)
	if !ok {
		return &InvalidValueError{Codec: "range", Value: v}
	}
	var flags uint8
	if rv.Empty {
		flags |= rangeFlagEmpty
	}
	if rv.LowerInc {
		flags |= rangeFlagLowerInc
	}
	if rv.UpperInc {
		flags |= rangeFlagUpperInc
	}
	if !rv.HasLower {
		flags |= rangeFlagNoLower
	}
	if !rv.HasUpper {
		flags |= rangeFlagNoUpper
	}
	w.PutU8(flags)
	if rv.Empty {
		return nil
	}
	if rv.HasLower {
		sub := protocol.NewWriter()
		if err := c.elem.Encode(sub, rv.Lower); err != nil {
			return err
		}
		w.PutLenBytes(sub.Bytes())
	}
	if rv.HasUpper {
		sub := protocol.NewWriter()
		if err := c.elem.Encode(sub, rv.Upper); err != nil {
			return err
		}
		w.PutLenBytes(sub.Bytes())
	}
	return nil
}

func (c *rangeCodec) Decode(r *protocol.Reader) (any, error) {
	flags, err := r.U8()
	if err != nil {
		return nil, err
	}
	rv := RangeValue{
		Empty:    flags&rangeFlagEmpty != 0,
		LowerInc: flags&rangeFlagLowerInc != 0,
		UpperInc: flags&rangeFlagUpperInc != 0,
		HasLower: flags&rangeFlagNoLower == 0,
		HasUpper: flags&rangeFlagNoUpper == 0,
	}
	if rv.Empty {
		return rv, nil
	}
	if rv.HasLower {
		b, err := r.LenBytes()
		if err != nil {
			return nil, err
		}
		v, err := c.elem.Decode(protocol.NewReader(b))
		if err != nil {
			return nil, err
		}
		rv.Lower = v
	}
	if rv.HasUpper {
		b, err := r.LenBytes()
		if err != nil {
			return nil, err
		}
		v, err := c.elem.Decode(protocol.NewReader(b))
		if err != nil {
			return nil, err
		}
		rv.Upper = v
	}
	return rv, nil
}
