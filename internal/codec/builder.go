package codec

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Descriptor tags (spec §4.3).
const (
	tagSet             = 0
	tagObjectShape     = 1
	tagBaseScalar      = 2
	tagTuple           = 3
	tagNamedTuple      = 4
	tagArray           = 5
	tagEnum            = 6
	tagScalarWithParent = 7

	// tagExtensionBit marks an unknown tag as a forwards-compatible
	// extension to be skipped rather than a protocol error.
	tagExtensionBit = 0x80
)

// objectShapeFlag bits for tag 1's per-field flags byte.
const (
	fieldFlagImplicit = 1 << 0
)

// Build consumes one descriptor blob from r, decoding descriptors in
// order and registering every intermediate codec into reg as it goes
// (spec §4.3). It returns the codec for the final (top-level)
// descriptor in the blob, or an *ExtensionNotFinalError if a
// forward-compatible extension tag appears before the blob's end,
// since that makes the true top-level descriptor unreachable.
func Build(r *protocol.Reader, reg *Registry) (Codec, error) {
	var built []Codec

	for r.Len() > 0 {
		tag, err := r.U8()
		if err != nil {
			return nil, err
		}

		id, err := r.UUID()
		if err != nil {
			return nil, err
		}

		c, err := buildOne(tag, id, r, built, reg)
		if err != nil {
			return nil, err
		}
		if c == nil {
			// Forward-compatible extension tag: its payload shape is
			// unknown to this client, so the reader's position after it
			// cannot be trusted for further descriptors in this blob.
			// That's only safe to absorb if it was the last entry in the
			// blob — if bytes remain, a real top-level descriptor may
			// follow and we have no way to reach it, so say so instead
			// of silently handing back a stale codec.
			if r.Len() > 0 {
				return nil, &ExtensionNotFinalError{Tag: tag}
			}
			break
		}

		built = append(built, c)
		reg.Register(c)
	}

	if len(built) == 0 {
		return nil, fmt.Errorf("codec: empty descriptor blob")
	}
	return built[len(built)-1], nil
}

func buildOne(tag uint8, id uuid.UUID, r *protocol.Reader, built []Codec, reg *Registry) (Codec, error) {
	switch tag {
	case tagSet:
		pos, err := r.U16()
		if err != nil {
			return nil, err
		}
		elem, err := resolve(built, pos)
		if err != nil {
			return nil, err
		}
		return NewSetCodec(id, elem), nil

	case tagObjectShape:
		fields, err := readFields(r, built, true)
		if err != nil {
			return nil, err
		}
		return NewObjectCodec(id, fields), nil

	case tagBaseScalar:
		// The id already identifies the scalar (spec §4.3): if it's one
		// of the well-known built-ins seeded at registry construction,
		// reuse that codec. Otherwise this is a server extension scalar
		// this client doesn't know the shape of; decode as raw bytes
		// rather than fail the whole blob.
		if known, ok := reg.Lookup(id); ok {
			return known, nil
		}
		return &scalarCodec{
			id: id, name: "unknown_base_scalar",
			encode: func(w *protocol.Writer, v any) error {
				b, ok := v.([]byte)
				if !ok {
					return &InvalidValueError{Codec: "unknown_base_scalar", Value: v}
				}
				w.PutBytes(b)
				return nil
			},
			decode: func(r *protocol.Reader) (any, error) {
				return r.Bytes(r.Len())
			},
		}, nil

	case tagTuple:
		n, err := r.U16()
		if err != nil {
			return nil, err
		}
		elems := make([]Codec, n)
		for i := range elems {
			pos, err := r.U16()
			if err != nil {
				return nil, err
			}
			elems[i], err = resolve(built, pos)
			if err != nil {
				return nil, err
			}
		}
		return NewTupleCodec(id, elems), nil

	case tagNamedTuple:
		fields, err := readFields(r, built, false)
		if err != nil {
			return nil, err
		}
		return NewNamedTupleCodec(id, fields), nil

	case tagArray:
		pos, err := r.U16()
		if err != nil {
			return nil, err
		}
		elem, err := resolve(built, pos)
		if err != nil {
			return nil, err
		}
		// Dimensions list: n: u16, then n × i32. This client only
		// supports single, unbounded dimensions (the common case);
		// the list is consumed to keep the reader's cursor correct but
		// otherwise unused, matching spec §4.3's silence on
		// multi-dimensional array semantics.
		ndims, err := r.U16()
		if err != nil {
			return nil, err
		}
		for i := uint16(0); i < ndims; i++ {
			if _, err := r.I32(); err != nil {
				return nil, err
			}
		}
		return NewArrayCodec(id, elem), nil

	case tagEnum:
		n, err := r.U16()
		if err != nil {
			return nil, err
		}
		members := make([]string, n)
		for i := range members {
			s, err := r.String()
			if err != nil {
				return nil, err
			}
			members[i] = s
		}
		return NewEnumCodec(id, members), nil

	case tagScalarWithParent:
		pos, err := r.U16()
		if err != nil {
			return nil, err
		}
		parent, err := resolve(built, pos)
		if err != nil {
			return nil, err
		}
		// A scalar derived from parent shares its wire shape exactly;
		// only the descriptor id differs, so subtype-specific
		// validation (if any) is left to higher layers.
		return &scalarCodec{
			id: id, name: "derived_scalar",
			encode: func(w *protocol.Writer, v any) error { return parent.Encode(w, v) },
			decode: func(r *protocol.Reader) (any, error) { return parent.Decode(r) },
		}, nil

	default:
		if tag&tagExtensionBit != 0 {
			// Forward-compatible extension: the descriptor format does
			// not tell us this tag's payload shape, so there is nothing
			// safe to skip byte-for-byte here. Build decides whether
			// that's fatal: it's fine if this was the blob's last
			// entry, an error otherwise.
			return nil, nil
		}
		return nil, &ProtocolTagError{Tag: tag}
	}
}

// readFields reads the `n: u16` then n × field-record shape shared by
// Object shape (tag 1, which also carries a flags byte) and Named
// Tuple (tag 4, which does not).
func readFields(r *protocol.Reader, built []Codec, hasFlags bool) ([]ObjectField, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	fields := make([]ObjectField, n)
	for i := range fields {
		name, err := r.String()
		if err != nil {
			return nil, err
		}
		var flags uint8
		if hasFlags {
			flags, err = r.U8()
			if err != nil {
				return nil, err
			}
		}
		pos, err := r.U16()
		if err != nil {
			return nil, err
		}
		c, err := resolve(built, pos)
		if err != nil {
			return nil, err
		}
		fields[i] = ObjectField{
			Name:     name,
			Implicit: flags&fieldFlagImplicit != 0,
			Codec:    c,
		}
	}
	return fields, nil
}

func resolve(built []Codec, pos uint16) (Codec, error) {
	if int(pos) >= len(built) {
		return nil, fmt.Errorf("codec: descriptor position %d out of range (only %d decoded so far)", pos, len(built))
	}
	return built[pos], nil
}

// ProtocolTagError reports an unknown descriptor tag without the
// forward-compatibility bit set (spec §4.3, §7).
type ProtocolTagError struct {
	Tag uint8
}

func (e *ProtocolTagError) Error() string {
	return fmt.Sprintf("codec: unknown descriptor tag %#x without extension bit", e.Tag)
}

// ExtensionNotFinalError reports a forward-compatible extension tag
// (spec §4.3) that was not the last entry in its descriptor blob. This
// client has no declared-length field to skip the extension's payload
// by, so it cannot reach whatever descriptor follows it — including,
// potentially, the blob's real top-level type.
type ExtensionNotFinalError struct {
	Tag uint8
}

func (e *ExtensionNotFinalError) Error() string {
	return fmt.Sprintf("codec: extension descriptor tag %#x is not the last entry in the blob; cannot locate the top-level descriptor past it", e.Tag)
}
