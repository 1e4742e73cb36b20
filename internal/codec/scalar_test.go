package codec

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

func roundTrip(t *testing.T, c Codec, v any) any {
	t.Helper()
	w := protocol.NewWriter()
	if err := c.Encode(w, v); err != nil {
		t.Fatalf("Encode(%v) = %v", v, err)
	}
	r := protocol.NewReader(w.Bytes())
	got, err := c.Decode(r)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if err := r.Remainder(); err != nil {
		t.Fatalf("Remainder() = %v", err)
	}
	return got
}

func TestScalarRoundTrips(t *testing.T) {
	u := uuid.New()
	if got := roundTrip(t, uuidCodec(), u); got != u {
		t.Fatalf("uuid round trip = %v, want %v", got, u)
	}
	if got := roundTrip(t, textCodec(), "hello"); got != "hello" {
		t.Fatalf("str round trip = %v", got)
	}
	if got := roundTrip(t, bytesCodec(), []byte{1, 2, 3}); string(got.([]byte)) != "\x01\x02\x03" {
		t.Fatalf("bytes round trip = %v", got)
	}
	if got := roundTrip(t, int16Codec(), int16(-7)); got != int16(-7) {
		t.Fatalf("int16 round trip = %v", got)
	}
	if got := roundTrip(t, int32Codec(), int32(123456)); got != int32(123456) {
		t.Fatalf("int32 round trip = %v", got)
	}
	if got := roundTrip(t, int64Codec(), int64(-9000000000)); got != int64(-9000000000) {
		t.Fatalf("int64 round trip = %v", got)
	}
	if got := roundTrip(t, float32Codec(), float32(3.5)); got != float32(3.5) {
		t.Fatalf("float32 round trip = %v", got)
	}
	if got := roundTrip(t, float64Codec(), 2.71828); got != 2.71828 {
		t.Fatalf("float64 round trip = %v", got)
	}
	if got := roundTrip(t, boolCodec(), true); got != true {
		t.Fatalf("bool round trip = %v", got)
	}
}

func TestDateTimeCodecRoundTrip(t *testing.T) {
	tm := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	got := roundTrip(t, dateTimeCodec(), tm).(time.Time)
	if !got.Equal(tm) {
		t.Fatalf("datetime round trip = %v, want %v", got, tm)
	}
}

func TestLocalDateCodecRoundTrip(t *testing.T) {
	d := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	got := roundTrip(t, localDateCodec(), d).(time.Time)
	if !got.Equal(d) {
		t.Fatalf("local_date round trip = %v, want %v", got, d)
	}
}

func TestDurationCodecRoundTrip(t *testing.T) {
	d := 90 * time.Minute
	got := roundTrip(t, durationCodec(), d).(time.Duration)
	if got != d {
		t.Fatalf("duration round trip = %v, want %v", got, d)
	}
}

func TestBigIntCodecRoundTrip(t *testing.T) {
	cases := []string{"0", "1", "-1", "9999", "10000", "123456789012345678901234567890", "-42"}
	for _, s := range cases {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			t.Fatalf("bad test fixture %q", s)
		}
		got := roundTrip(t, bigIntCodec(), n).(*big.Int)
		if got.Cmp(n) != 0 {
			t.Fatalf("bigint round trip %q = %v", s, got)
		}
	}
}

func TestDecimalCodecRoundTrip(t *testing.T) {
	cases := []string{"0", "1.5", "-1.5", "123.456", "0.0001", "99999999999999.99"}
	for _, s := range cases {
		d, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatalf("bad test fixture %q: %v", s, err)
		}
		got := roundTrip(t, decimalCodec(), d).(decimal.Decimal)
		if !got.Equal(d) {
			t.Fatalf("decimal round trip %q = %v, want %v", s, got, d)
		}
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	v := map[string]any{"a": float64(1), "b": "two"}
	got := roundTrip(t, jsonCodec(), v)
	gm, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("json round trip type = %T", got)
	}
	if gm["a"] != float64(1) || gm["b"] != "two" {
		t.Fatalf("json round trip = %v", gm)
	}
}

func TestScalarEncodeWrongType(t *testing.T) {
	err := uuidCodec().Encode(protocol.NewWriter(), "not a uuid")
	if err == nil {
		t.Fatal("expected error encoding wrong type")
	}
	var ive *InvalidValueError
	if !asInvalidValueError(err, &ive) {
		t.Fatalf("err = %v, want *InvalidValueError", err)
	}
}

func asInvalidValueError(err error, target **InvalidValueError) bool {
	ive, ok := err.(*InvalidValueError)
	if ok {
		*target = ive
	}
	return ok
}
