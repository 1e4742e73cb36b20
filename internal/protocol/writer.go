package protocol

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// Writer accumulates strictly big-endian typed writes into a byte buffer,
// to be handed to WriteMessage as a message payload.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// PutBytes appends raw bytes unchanged.
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutU8 appends one unsigned byte.
func (w *Writer) PutU8(v uint8) {
	w.buf = append(w.buf, v)
}

// PutI16 appends a big-endian signed 16-bit integer.
func (w *Writer) PutI16(v int16) {
	w.PutU16(uint16(v))
}

// PutU16 appends a big-endian unsigned 16-bit integer.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutI32 appends a big-endian signed 32-bit integer.
func (w *Writer) PutI32(v int32) {
	w.PutU32(uint32(v))
}

// PutU32 appends a big-endian unsigned 32-bit integer.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutI64 appends a big-endian signed 64-bit integer.
func (w *Writer) PutI64(v int64) {
	w.PutU64(uint64(v))
}

// PutU64 appends a big-endian unsigned 64-bit integer.
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutF32 appends a big-endian IEEE-754 single-precision float.
func (w *Writer) PutF32(v float32) {
	w.PutU32(math.Float32bits(v))
}

// PutF64 appends a big-endian IEEE-754 double-precision float.
func (w *Writer) PutF64(v float64) {
	w.PutU64(math.Float64bits(v))
}

// PutUUID appends a 16-byte UUID in network byte order.
func (w *Writer) PutUUID(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}

// PutString appends a u32 length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutLenBytes appends a u32 length-prefixed byte slice.
func (w *Writer) PutLenBytes(b []byte) {
	w.PutU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
