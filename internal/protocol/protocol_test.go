package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}

	if err := WriteMessage(&buf, ServerData, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != ServerData {
		t.Fatalf("tag = %x, want %x", msg.Tag, ServerData)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload = %v, want %v", msg.Payload, payload)
	}
}

// shortReader trickles bytes out a few at a time, exercising ReadMessage's
// io.ReadFull looping over short reads.
type shortReader struct {
	data  []byte
	chunk int
}

func (s *shortReader) Read(p []byte) (int, error) {
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	if n == 0 {
		return 0, bytes.ErrTooLarge
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func TestReadMessageShortReads(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xAB}, 37)
	if err := WriteMessage(&buf, ServerCommandComplete, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	sr := &shortReader{data: buf.Bytes(), chunk: 3}
	msg, err := ReadMessage(sr)
	if err != nil {
		t.Fatalf("ReadMessage over short reads: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch after short reads")
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	id := uuid.New()

	w := NewWriter()
	w.PutU8(0xFE)
	w.PutI16(-7)
	w.PutU16(40000)
	w.PutI32(-123456)
	w.PutU32(4000000000)
	w.PutI64(-123456789012)
	w.PutU64(123456789012345)
	w.PutF32(3.5)
	w.PutF64(2.71828)
	w.PutUUID(id)
	w.PutString("hello, world")
	w.PutLenBytes([]byte{9, 9, 9})

	r := NewReader(w.Bytes())

	if v, err := r.U8(); err != nil || v != 0xFE {
		t.Fatalf("U8 = %v, %v", v, err)
	}
	if v, err := r.I16(); err != nil || v != -7 {
		t.Fatalf("I16 = %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 40000 {
		t.Fatalf("U16 = %v, %v", v, err)
	}
	if v, err := r.I32(); err != nil || v != -123456 {
		t.Fatalf("I32 = %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 4000000000 {
		t.Fatalf("U32 = %v, %v", v, err)
	}
	if v, err := r.I64(); err != nil || v != -123456789012 {
		t.Fatalf("I64 = %v, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 123456789012345 {
		t.Fatalf("U64 = %v, %v", v, err)
	}
	if v, err := r.F32(); err != nil || v != 3.5 {
		t.Fatalf("F32 = %v, %v", v, err)
	}
	if v, err := r.F64(); err != nil || v != 2.71828 {
		t.Fatalf("F64 = %v, %v", v, err)
	}
	if v, err := r.UUID(); err != nil || v != id {
		t.Fatalf("UUID = %v, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello, world" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if v, err := r.LenBytes(); err != nil || !bytes.Equal(v, []byte{9, 9, 9}) {
		t.Fatalf("LenBytes = %v, %v", v, err)
	}
	if err := r.Remainder(); err != nil {
		t.Fatalf("Remainder: %v", err)
	}
}

func TestReaderRemainderDetectsTrailingBytes(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.U8(); err != nil {
		t.Fatal(err)
	}
	if err := r.Remainder(); err == nil {
		t.Fatal("expected Remainder to report trailing bytes")
	}
}
