// Package query implements the Query Engine: the per-request
// Prepare/Describe/Execute/Sync sequence, threaded through the codec
// engine, with cardinality enforcement (spec §4.6).
package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/codec"
	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/duplex"
	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// warnOnRemainder logs at warning level if r still has unconsumed bytes
// after decoding a message of the given tag (spec §4.2). Any remainder
// here means this client's decoder disagreed with the server about a
// payload's shape; it's not treated as fatal, just surfaced.
func warnOnRemainder(tag uint8, r *protocol.Reader) {
	if err := r.Remainder(); err != nil {
		slog.Warn("query: message length mismatch", "tag", tag, "error", err)
	}
}

// Request describes one query to run through the Query Engine.
type Request struct {
	Command      string
	Args         map[string]any
	Cardinality  Cardinality
	IOFormat     OutputFormat
	Capabilities Capabilities
}

// Execute runs req to completion over c: Prepare, Describe-on-cache-miss,
// Execute, Sync, decoding every returned row and enforcing req's
// declared cardinality (spec §4.6). The connection's command lock is
// held for the whole sequence, so only one query runs on c at a time.
func Execute(ctx context.Context, c *conn.Connection, req Request) ([]any, error) {
	c.Lock()
	defer c.Unlock()

	d := c.Duplexer()
	reg := c.Registry()

	inputID, outputID, err := prepare(ctx, d, req)
	if err != nil {
		return nil, err
	}

	inputCodec, haveInput := reg.Lookup(inputID)
	outputCodec, haveOutput := reg.Lookup(outputID)
	if !haveInput || !haveOutput {
		inputCodec, outputCodec, err = describe(ctx, d, reg)
		if err != nil {
			return nil, err
		}
	}

	argsBlob, err := encodeArguments(inputCodec, req.Args)
	if err != nil {
		return nil, err
	}

	rawRows, err := execute(ctx, d, argsBlob)
	if err != nil {
		return nil, err
	}

	if err := checkCardinality(req.Cardinality, len(rawRows)); err != nil {
		return nil, err
	}

	rows := make([]any, len(rawRows))
	for i, raw := range rawRows {
		rr := protocol.NewReader(raw)
		v, err := outputCodec.Decode(rr)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("decoding row %d: %v", i, err)}
		}
		warnOnRemainder(protocol.ServerData, rr)
		rows[i] = v
	}
	return rows, nil
}

// prepare sends Prepare+Sync and returns the input/output descriptor
// ids the server reports (spec §4.6 step 2).
func prepare(ctx context.Context, d *duplex.Duplexer, req Request) (inputID, outputID uuid.UUID, err error) {
	w := protocol.NewWriter()
	w.PutU64(uint64(req.Capabilities))
	w.PutU8(uint8(req.IOFormat))
	w.PutU8(uint8(req.Cardinality))
	w.PutString(req.Command)

	msg, err := d.DuplexAndSync(ctx, protocol.ClientPrepare, w.Bytes(), func(m protocol.Message) bool {
		return m.Tag == protocol.ServerPrepareComplete
	})
	if err != nil {
		return inputID, outputID, fmt.Errorf("query: prepare: %w", err)
	}

	r := protocol.NewReader(msg.Payload)
	if _, err := r.U8(); err != nil { // cardinality, echoed back by the server
		return inputID, outputID, &ProtocolError{Reason: "malformed PrepareComplete: " + err.Error()}
	}
	in, err := r.UUID()
	if err != nil {
		return inputID, outputID, &ProtocolError{Reason: "malformed PrepareComplete: " + err.Error()}
	}
	out, err := r.UUID()
	if err != nil {
		return inputID, outputID, &ProtocolError{Reason: "malformed PrepareComplete: " + err.Error()}
	}
	warnOnRemainder(protocol.ServerPrepareComplete, r)
	return in, out, nil
}

// describe sends DescribeStatement{aspect=DataDescription}+Sync and
// builds the input/output codecs from the returned descriptor blobs
// (spec §4.6 step 3).
func describe(ctx context.Context, d *duplex.Duplexer, reg *codec.Registry) (input, output codec.Codec, err error) {
	w := protocol.NewWriter()
	w.PutU8(uint8(protocol.AspectDataDescription))

	msg, err := d.DuplexAndSync(ctx, protocol.ClientDescribeStatement, w.Bytes(), func(m protocol.Message) bool {
		return m.Tag == protocol.ServerCommandDataDescription
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query: describe: %w", err)
	}

	r := protocol.NewReader(msg.Payload)
	if _, err := r.U8(); err != nil { // cardinality, already known from PrepareComplete
		return nil, nil, &ProtocolError{Reason: "malformed CommandDataDescription: " + err.Error()}
	}
	if _, err := r.UUID(); err != nil { // input_typedesc_id, redundant with PrepareComplete's
		return nil, nil, &ProtocolError{Reason: "malformed CommandDataDescription: " + err.Error()}
	}
	inputBlob, err := r.LenBytes()
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "malformed CommandDataDescription: " + err.Error()}
	}
	if _, err := r.UUID(); err != nil { // output_typedesc_id
		return nil, nil, &ProtocolError{Reason: "malformed CommandDataDescription: " + err.Error()}
	}
	outputBlob, err := r.LenBytes()
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "malformed CommandDataDescription: " + err.Error()}
	}
	warnOnRemainder(protocol.ServerCommandDataDescription, r)

	input, err = codec.Build(protocol.NewReader(inputBlob), reg)
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "building input codec: " + err.Error()}
	}
	output, err = codec.Build(protocol.NewReader(outputBlob), reg)
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "building output codec: " + err.Error()}
	}
	return input, output, nil
}

// encodeArguments validates req's argument map against the input
// codec's field names and encodes it as a NamedTuple (spec §4.6 step 4).
func encodeArguments(inputCodec codec.Codec, args map[string]any) ([]byte, error) {
	fielded, ok := inputCodec.(codec.FieldedCodec)
	if !ok {
		if len(args) != 0 {
			return nil, &InvalidArgumentError{Reason: "this query takes no arguments"}
		}
		return protocol.NewWriter().Bytes(), nil
	}

	fields := fielded.Fields()
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.Name] = struct{}{}
	}
	for name := range args {
		if _, ok := known[name]; !ok {
			return nil, &InvalidArgumentError{Reason: fmt.Sprintf("unexpected argument %q", name)}
		}
	}
	for _, f := range fields {
		if _, present := args[f.Name]; !present {
			return nil, &InvalidArgumentError{Reason: fmt.Sprintf("missing required argument %q", f.Name)}
		}
	}

	w := protocol.NewWriter()
	if err := inputCodec.Encode(w, args); err != nil {
		return nil, &InvalidArgumentError{Reason: err.Error()}
	}
	return w.Bytes(), nil
}

// execute sends Execute{arguments_blob}+Sync, collects every Data
// payload through a temporary subscriber, and awaits CommandComplete
// (spec §4.6 step 5). The read loop dispatches messages to subscribers
// one at a time on a single goroutine and only completes the
// CommandComplete waiter after every preceding Data message has been
// dispatched, so no lock is needed between the subscriber's appends
// and this goroutine reading rows once DuplexAndSync returns. The
// connection's command lock (held by the caller for the whole request)
// rules out a second query reusing this subscriber before cancel runs.
func execute(ctx context.Context, d *duplex.Duplexer, argsBlob []byte) ([][]byte, error) {
	var rows [][]byte
	cancel := d.Subscribe(func(msg protocol.Message) {
		if msg.Tag == protocol.ServerData {
			rows = append(rows, msg.Payload)
		}
	})
	defer cancel()

	_, err := d.DuplexAndSync(ctx, protocol.ClientExecute, argsBlob, func(m protocol.Message) bool {
		return m.Tag == protocol.ServerCommandComplete
	})
	if err != nil {
		return nil, fmt.Errorf("query: execute: %w", err)
	}
	return rows, nil
}

// checkCardinality enforces spec §4.6 step 6.
func checkCardinality(want Cardinality, rows int) error {
	switch want {
	case NoResult:
		if rows != 0 {
			return &CardinalityMismatchError{Expected: want, Actual: rows}
		}
	case AtMostOne:
		if rows >= 2 {
			return &CardinalityMismatchError{Expected: want, Actual: rows}
		}
	case One:
		if rows != 1 {
			return &CardinalityMismatchError{Expected: want, Actual: rows}
		}
	case Many:
		// any row count is acceptable
	}
	return nil
}
