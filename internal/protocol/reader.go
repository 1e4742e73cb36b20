package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Reader provides strictly big-endian typed reads over an in-memory
// message payload. It tracks total bytes consumed so callers can verify,
// after deserializing a structured message, that the declared length was
// consumed exactly (spec §4.2) — any remainder is a decoder bug, not a
// fatal error, and is only ever logged.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential typed reads.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Remainder returns an error describing unconsumed trailing bytes, or nil
// if the reader was fully drained. Callers log this at warning level;
// spec §4.2 says it signals a protocol decoder bug, not a fatal one.
func (r *Reader) Remainder() error {
	if r.Len() == 0 {
		return nil
	}
	return fmt.Errorf("protocol: %d trailing byte(s) after decoding message", r.Len())
}

func (r *Reader) need(n int) error {
	if r.Len() < n {
		return fmt.Errorf("protocol: short read: need %d byte(s), have %d", n, r.Len())
	}
	return nil
}

// Bytes returns the next n raw bytes and advances the cursor.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// U8 reads one unsigned byte.
func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// I16 reads a big-endian signed 16-bit integer.
func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

// U16 reads a big-endian unsigned 16-bit integer.
func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// I32 reads a big-endian signed 32-bit integer.
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// U32 reads a big-endian unsigned 32-bit integer.
func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// I64 reads a big-endian signed 64-bit integer.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// U64 reads a big-endian unsigned 64-bit integer.
func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// F32 reads a big-endian IEEE-754 single-precision float.
func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// F64 reads a big-endian IEEE-754 double-precision float.
func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// UUID reads a 16-byte UUID in network byte order.
func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.Bytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// String reads a u32 length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LenBytes reads a u32 length-prefixed byte slice.
func (r *Reader) LenBytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	return r.Bytes(int(n))
}
