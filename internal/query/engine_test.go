package query

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/codec"
	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/duplex"
	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Descriptor tags, mirrored from internal/codec/builder.go's unexported
// constants since this test builds descriptor blobs by hand to act as a
// fake server (spec §4.3's tag table).
const (
	tagBaseScalar = 2
	tagNamedTuple = 4
)

// buildInputBlob encodes one NamedTuple{name: str} descriptor, the str
// scalar announced first so the NamedTuple can reference it by position.
func buildInputBlob(namedTupleID uuid.UUID) []byte {
	w := protocol.NewWriter()
	w.PutU8(tagBaseScalar)
	w.PutUUID(codec.TextTypeID)

	w.PutU8(tagNamedTuple)
	w.PutUUID(namedTupleID)
	w.PutU16(1) // field count
	w.PutString("name")
	w.PutU16(0) // position of the str scalar above
	return w.Bytes()
}

// buildOutputBlob encodes a single already-known str scalar, re-announced
// by its own well-known id (spec §4.3: "the id already identifies the
// scalar").
func buildOutputBlob() []byte {
	w := protocol.NewWriter()
	w.PutU8(tagBaseScalar)
	w.PutUUID(codec.TextTypeID)
	return w.Bytes()
}

// fakeQueryServer simulates spec §4.6's Prepare/Describe/Execute/Sync
// sequence for a single "select <str>" query over net.Pipe, returning
// one row. Grounded on the same net.Pipe mock-backend pattern used by
// internal/duplex/scram_test.go's mockAuthBackend.
func fakeQueryServer(t *testing.T, server net.Conn, inputID uuid.UUID, row string) {
	t.Helper()

	drain := func(tag byte) protocol.Message {
		msg, err := protocol.ReadMessage(server)
		if err != nil {
			t.Errorf("reading message: %v", err)
			return protocol.Message{}
		}
		if msg.Tag != tag {
			t.Errorf("got tag %#x, want %#x", msg.Tag, tag)
		}
		return msg
	}

	drain(protocol.ClientPrepare)
	drain(protocol.ClientSync)

	pc := protocol.NewWriter()
	pc.PutU8(uint8(One))
	pc.PutUUID(inputID)
	pc.PutUUID(codec.TextTypeID)
	if err := protocol.WriteMessage(server, protocol.ServerPrepareComplete, pc.Bytes()); err != nil {
		t.Errorf("writing PrepareComplete: %v", err)
		return
	}
	protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)

	drain(protocol.ClientDescribeStatement)
	drain(protocol.ClientSync)

	dd := protocol.NewWriter()
	dd.PutU8(uint8(One))
	dd.PutUUID(inputID)
	dd.PutLenBytes(buildInputBlob(inputID))
	dd.PutUUID(codec.TextTypeID)
	dd.PutLenBytes(buildOutputBlob())
	if err := protocol.WriteMessage(server, protocol.ServerCommandDataDescription, dd.Bytes()); err != nil {
		t.Errorf("writing CommandDataDescription: %v", err)
		return
	}
	protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)

	drain(protocol.ClientExecute)
	drain(protocol.ClientSync)

	protocol.WriteMessage(server, protocol.ServerData, []byte(row))
	protocol.WriteMessage(server, protocol.ServerCommandComplete, []byte("SELECT"))
	protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)
}

func TestExecuteFullRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := conn.New(duplex.New(client, nil))
	defer c.Close()

	inputID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	go fakeQueryServer(t, server, inputID, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rows, err := Execute(ctx, c, Request{
		Command:      "select <str>$name",
		Args:         map[string]any{"name": "Sam"},
		Cardinality:  One,
		IOFormat:     FormatBinary,
		Capabilities: CapabilitiesAll,
	})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0] != "hello" {
		t.Fatalf("rows[0] = %v, want %q", rows[0], "hello")
	}
}

// TestExecuteWarnsOnTrailingPrepareCompleteBytes exercises the spec §4.2
// post-decode length check: a PrepareComplete payload with one byte more
// than this client's decoder consumes should not fail the query, but
// must be logged.
func TestExecuteWarnsOnTrailingPrepareCompleteBytes(t *testing.T) {
	var logBuf bytes.Buffer
	prevLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, nil)))
	defer slog.SetDefault(prevLogger)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := conn.New(duplex.New(client, nil))
	defer c.Close()

	inputID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	go func() {
		drain := func(tag byte) {
			msg, err := protocol.ReadMessage(server)
			if err != nil || msg.Tag != tag {
				t.Errorf("reading message: tag=%#x err=%v, want %#x", msg.Tag, err, tag)
			}
		}

		drain(protocol.ClientPrepare)
		drain(protocol.ClientSync)

		pc := protocol.NewWriter()
		pc.PutU8(uint8(One))
		pc.PutUUID(inputID)
		pc.PutUUID(codec.TextTypeID)
		pc.PutU8(0xff) // trailing byte this client's decoder never reads
		protocol.WriteMessage(server, protocol.ServerPrepareComplete, pc.Bytes())
		protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)

		drain(protocol.ClientDescribeStatement)
		drain(protocol.ClientSync)

		dd := protocol.NewWriter()
		dd.PutU8(uint8(One))
		dd.PutUUID(inputID)
		dd.PutLenBytes(buildInputBlob(inputID))
		dd.PutUUID(codec.TextTypeID)
		dd.PutLenBytes(buildOutputBlob())
		protocol.WriteMessage(server, protocol.ServerCommandDataDescription, dd.Bytes())
		protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)

		drain(protocol.ClientExecute)
		drain(protocol.ClientSync)

		protocol.WriteMessage(server, protocol.ServerData, []byte("hello"))
		protocol.WriteMessage(server, protocol.ServerCommandComplete, []byte("SELECT"))
		protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rows, err := Execute(ctx, c, Request{
		Command:      "select <str>$name",
		Args:         map[string]any{"name": "Sam"},
		Cardinality:  One,
		IOFormat:     FormatBinary,
		Capabilities: CapabilitiesAll,
	})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if len(rows) != 1 || rows[0] != "hello" {
		t.Fatalf("rows = %v, want [hello]", rows)
	}

	if !strings.Contains(logBuf.String(), "message length mismatch") {
		t.Fatalf("log output = %q, want a warning about trailing bytes", logBuf.String())
	}
}

func TestExecuteRejectsUnknownArgument(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := conn.New(duplex.New(client, nil))
	defer c.Close()

	inputID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	go fakeQueryServer(t, server, inputID, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Execute(ctx, c, Request{
		Command:     "select <str>$name",
		Args:        map[string]any{"name": "Sam", "extra": 1},
		Cardinality: One,
	})
	if err == nil {
		t.Fatal("expected an InvalidArgumentError for the unexpected key")
	}
	var iae *InvalidArgumentError
	if !errors.As(err, &iae) {
		t.Fatalf("got %v (%T), want *InvalidArgumentError", err, err)
	}
}

func TestCheckCardinality(t *testing.T) {
	cases := []struct {
		want    Cardinality
		rows    int
		wantErr bool
	}{
		{NoResult, 0, false},
		{NoResult, 1, true},
		{AtMostOne, 0, false},
		{AtMostOne, 1, false},
		{AtMostOne, 2, true},
		{One, 1, false},
		{One, 0, true},
		{One, 2, true},
		{Many, 0, false},
		{Many, 50, false},
	}
	for _, tc := range cases {
		err := checkCardinality(tc.want, tc.rows)
		if (err != nil) != tc.wantErr {
			t.Errorf("checkCardinality(%v, %d) error = %v, wantErr %v", tc.want, tc.rows, err, tc.wantErr)
		}
	}
}

func TestEncodeArgumentsMissingRequired(t *testing.T) {
	reg := codec.NewRegistry()
	inputID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	r := protocol.NewReader(buildInputBlob(inputID))
	inputCodec, err := codec.Build(r, reg)
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	if _, err := encodeArguments(inputCodec, map[string]any{}); err == nil {
		t.Fatal("expected InvalidArgumentError for a missing required argument")
	}

	blob, err := encodeArguments(inputCodec, map[string]any{"name": "Sam"})
	if err != nil {
		t.Fatalf("encodeArguments() = %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("expected a non-empty encoded arguments blob")
	}
}
