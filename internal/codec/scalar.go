package codec

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Well-known scalar descriptor IDs, seeded into every CodecRegistry at
// construction (spec §3/§4.3). These identify this protocol's built-in
// scalar types the way the real server's descriptor stream does: stable,
// never re-used, and never sent as a full descriptor blob for a base
// scalar (descriptor tag 2, "id already identifies the scalar").
var (
	UUIDTypeID     = mustUUID("00000000-0000-0000-0000-000000000100")
	TextTypeID     = mustUUID("00000000-0000-0000-0000-000000000101")
	BytesTypeID    = mustUUID("00000000-0000-0000-0000-000000000102")
	Int16TypeID    = mustUUID("00000000-0000-0000-0000-000000000103")
	Int32TypeID    = mustUUID("00000000-0000-0000-0000-000000000104")
	Int64TypeID    = mustUUID("00000000-0000-0000-0000-000000000105")
	Float32TypeID  = mustUUID("00000000-0000-0000-0000-000000000106")
	Float64TypeID  = mustUUID("00000000-0000-0000-0000-000000000107")
	DecimalTypeID  = mustUUID("00000000-0000-0000-0000-000000000108")
	BoolTypeID     = mustUUID("00000000-0000-0000-0000-000000000109")
	DateTimeTypeID = mustUUID("00000000-0000-0000-0000-00000000010a")
	LocalDateTypeID = mustUUID("00000000-0000-0000-0000-00000000010b")
	LocalTimeTypeID = mustUUID("00000000-0000-0000-0000-00000000010c")
	DurationTypeID  = mustUUID("00000000-0000-0000-0000-00000000010d")
	BigIntTypeID    = mustUUID("00000000-0000-0000-0000-00000000010e")
	JSONTypeID      = mustUUID("00000000-0000-0000-0000-00000000010f")
)

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// scalarCodec implements Codec for a fixed-shape base scalar using two
// plain functions, so every scalar below is one struct literal instead of
// a hand-written type.
type scalarCodec struct {
	id     uuid.UUID
	name   string
	encode func(w *protocol.Writer, v any) error
	decode func(r *protocol.Reader) (any, error)
}

func (c *scalarCodec) DescriptorID() uuid.UUID { return c.id }
func (c *scalarCodec) Encode(w *protocol.Writer, v any) error {
	return c.encode(w, v)
}
func (c *scalarCodec) Decode(r *protocol.Reader) (any, error) {
	return c.decode(r)
}

// BaseScalars returns a fresh set of codecs for every well-known scalar
// type, used to seed a new CodecRegistry.
func BaseScalars() []Codec {
	return []Codec{
		uuidCodec(),
		textCodec(),
		bytesCodec(),
		int16Codec(),
		int32Codec(),
		int64Codec(),
		float32Codec(),
		float64Codec(),
		decimalCodec(),
		boolCodec(),
		dateTimeCodec(),
		localDateCodec(),
		localTimeCodec(),
		durationCodec(),
		bigIntCodec(),
		jsonCodec(),
	}
}

func uuidCodec() Codec {
	return &scalarCodec{
		id: UUIDTypeID, name: "uuid",
		encode: func(w *protocol.Writer, v any) error {
			id, ok := v.(uuid.UUID)
			if !ok {
				return &InvalidValueError{Codec: "uuid", Value: v}
			}
			w.PutUUID(id)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.UUID() },
	}
}

func textCodec() Codec {
	return &scalarCodec{
		id: TextTypeID, name: "str",
		encode: func(w *protocol.Writer, v any) error {
			s, ok := v.(string)
			if !ok {
				return &InvalidValueError{Codec: "str", Value: v}
			}
			w.PutBytes([]byte(s))
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			b, err := r.Bytes(r.Len())
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	}
}

func bytesCodec() Codec {
	return &scalarCodec{
		id: BytesTypeID, name: "bytes",
		encode: func(w *protocol.Writer, v any) error {
			b, ok := v.([]byte)
			if !ok {
				return &InvalidValueError{Codec: "bytes", Value: v}
			}
			w.PutBytes(b)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			return r.Bytes(r.Len())
		},
	}
}

func int16Codec() Codec {
	return &scalarCodec{
		id: Int16TypeID, name: "int16",
		encode: func(w *protocol.Writer, v any) error {
			n, ok := v.(int16)
			if !ok {
				return &InvalidValueError{Codec: "int16", Value: v}
			}
			w.PutI16(n)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.I16() },
	}
}

func int32Codec() Codec {
	return &scalarCodec{
		id: Int32TypeID, name: "int32",
		encode: func(w *protocol.Writer, v any) error {
			n, ok := v.(int32)
			if !ok {
				return &InvalidValueError{Codec: "int32", Value: v}
			}
			w.PutI32(n)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.I32() },
	}
}

func int64Codec() Codec {
	return &scalarCodec{
		id: Int64TypeID, name: "int64",
		encode: func(w *protocol.Writer, v any) error {
			n, ok := v.(int64)
			if !ok {
				return &InvalidValueError{Codec: "int64", Value: v}
			}
			w.PutI64(n)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.I64() },
	}
}

func float32Codec() Codec {
	return &scalarCodec{
		id: Float32TypeID, name: "float32",
		encode: func(w *protocol.Writer, v any) error {
			f, ok := v.(float32)
			if !ok {
				return &InvalidValueError{Codec: "float32", Value: v}
			}
			w.PutF32(f)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.F32() },
	}
}

func float64Codec() Codec {
	return &scalarCodec{
		id: Float64TypeID, name: "float64",
		encode: func(w *protocol.Writer, v any) error {
			f, ok := v.(float64)
			if !ok {
				return &InvalidValueError{Codec: "float64", Value: v}
			}
			w.PutF64(f)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) { return r.F64() },
	}
}

func boolCodec() Codec {
	return &scalarCodec{
		id: BoolTypeID, name: "bool",
		encode: func(w *protocol.Writer, v any) error {
			b, ok := v.(bool)
			if !ok {
				return &InvalidValueError{Codec: "bool", Value: v}
			}
			if b {
				w.PutU8(1)
			} else {
				w.PutU8(0)
			}
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			b, err := r.U8()
			if err != nil {
				return nil, err
			}
			return b != 0, nil
		},
	}
}

// microsPerSecond scales the signed 64-bit microsecond counts that
// datetime, local-time and duration use on the wire. Local-date is a
// signed 32-bit day count instead.
const microsPerSecond = 1_000_000

func dateTimeCodec() Codec {
	return &scalarCodec{
		id: DateTimeTypeID, name: "datetime",
		encode: func(w *protocol.Writer, v any) error {
			t, ok := v.(time.Time)
			if !ok {
				return &InvalidValueError{Codec: "datetime", Value: v}
			}
			w.PutI64(t.UTC().UnixMicro())
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			micros, err := r.I64()
			if err != nil {
				return nil, err
			}
			return time.UnixMicro(micros).UTC(), nil
		},
	}
}

func localDateCodec() Codec {
	return &scalarCodec{
		id: LocalDateTypeID, name: "local_date",
		encode: func(w *protocol.Writer, v any) error {
			t, ok := v.(time.Time)
			if !ok {
				return &InvalidValueError{Codec: "local_date", Value: v}
			}
			epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
			days := int32(t.UTC().Sub(epoch).Hours() / 24)
			w.PutI32(days)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			days, err := r.I32()
			if err != nil {
				return nil, err
			}
			epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
			return epoch.AddDate(0, 0, int(days)), nil
		},
	}
}

func localTimeCodec() Codec {
	return &scalarCodec{
		id: LocalTimeTypeID, name: "local_time",
		encode: func(w *protocol.Writer, v any) error {
			d, ok := v.(time.Duration)
			if !ok {
				return &InvalidValueError{Codec: "local_time", Value: v}
			}
			w.PutI64(d.Microseconds())
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			micros, err := r.I64()
			if err != nil {
				return nil, err
			}
			return time.Duration(micros) * time.Microsecond, nil
		},
	}
}

func durationCodec() Codec {
	return &scalarCodec{
		id: DurationTypeID, name: "duration",
		encode: func(w *protocol.Writer, v any) error {
			d, ok := v.(time.Duration)
			if !ok {
				return &InvalidValueError{Codec: "duration", Value: v}
			}
			w.PutI64(d.Microseconds())
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			micros, err := r.I64()
			if err != nil {
				return nil, err
			}
			return time.Duration(micros) * time.Microsecond, nil
		},
	}
}

// bigIntCodec encodes/decodes an arbitrary-precision integer using the
// same base-10000 "digit group" shape the decimal codec below uses for
// its unscaled coefficient, with scale pinned to zero.
func bigIntCodec() Codec {
	return &scalarCodec{
		id: BigIntTypeID, name: "bigint",
		encode: func(w *protocol.Writer, v any) error {
			n, ok := v.(*big.Int)
			if !ok {
				return &InvalidValueError{Codec: "bigint", Value: v}
			}
			putBigDigits(w, n, 0)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			n, _, err := readBigDigits(r)
			if err != nil {
				return nil, err
			}
			return n, nil
		},
	}
}

// decimalCodec wraps github.com/shopspring/decimal.Decimal, grounded on
// ha1tch-aulsql/pkg/tds/types.go's use of the same library for a wire
// decimal type. Wire shape: sign byte, u16 scale, u16 digit count, then
// the unscaled integer as base-10000 digit groups (same shape bigint
// uses with scale always zero).
func decimalCodec() Codec {
	return &scalarCodec{
		id: DecimalTypeID, name: "decimal",
		encode: func(w *protocol.Writer, v any) error {
			d, ok := v.(decimal.Decimal)
			if !ok {
				return &InvalidValueError{Codec: "decimal", Value: v}
			}
			scale := -d.Exponent()
			if scale < 0 {
				scale = 0
			}
			putBigDigits(w, d.Coefficient(), uint16(scale))
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			coeff, scale, err := readBigDigits(r)
			if err != nil {
				return decimal.Decimal{}, err
			}
			return decimal.NewFromBigInt(coeff, -int32(scale)), nil
		},
	}
}

// putBigDigits writes sign(1) + scale(u16) + ndigits(u16) + digits(u16
// each, base 10000, most significant first) for an arbitrary-precision
// integer with the given decimal scale.
func putBigDigits(w *protocol.Writer, n *big.Int, scale uint16) {
	sign := uint8(0)
	mag := new(big.Int).Abs(n)
	if n.Sign() < 0 {
		sign = 1
	}

	base := big.NewInt(10000)
	var digits []uint16
	zero := big.NewInt(0)
	for mag.Cmp(zero) > 0 {
		mod := new(big.Int)
		mag.DivMod(mag, base, mod)
		digits = append(digits, uint16(mod.Int64()))
	}
	// digits were collected least-significant-first; reverse.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}

	w.PutU8(sign)
	w.PutU16(scale)
	w.PutU16(uint16(len(digits)))
	for _, d := range digits {
		w.PutU16(d)
	}
}

func readBigDigits(r *protocol.Reader) (*big.Int, uint16, error) {
	sign, err := r.U8()
	if err != nil {
		return nil, 0, err
	}
	scale, err := r.U16()
	if err != nil {
		return nil, 0, err
	}
	n, err := r.U16()
	if err != nil {
		return nil, 0, err
	}

	result := big.NewInt(0)
	base := big.NewInt(10000)
	for i := 0; i < int(n); i++ {
		d, err := r.U16()
		if err != nil {
			return nil, 0, err
		}
		result.Mul(result, base)
		result.Add(result, big.NewInt(int64(d)))
	}
	if sign == 1 {
		result.Neg(result)
	}
	return result, scale, nil
}

func jsonCodec() Codec {
	return &scalarCodec{
		id: JSONTypeID, name: "json",
		encode: func(w *protocol.Writer, v any) error {
			b, err := json.Marshal(v)
			if err != nil {
				return &InvalidValueError{Codec: "json", Value: v}
			}
			// A leading format-version byte, per the server's json wire
			// shape; this client only ever emits format 1 (plain UTF-8).
			w.PutU8(1)
			w.PutBytes(b)
			return nil
		},
		decode: func(r *protocol.Reader) (any, error) {
			if _, err := r.U8(); err != nil {
				return nil, err
			}
			b, err := r.Bytes(r.Len())
			if err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}
