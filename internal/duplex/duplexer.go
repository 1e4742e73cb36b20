package duplex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// ConnectionLostError is delivered to every pending waiter when the
// read loop's next frame read fails (spec §4.4).
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("duplex: connection lost: %v", e.Err)
}
func (e *ConnectionLostError) Unwrap() error { return e.Err }

// Duplexer owns one TLS connection's background read loop: it frames
// incoming messages, dispatches them to subscribers and waiters, and
// serializes outbound writes through a single mutex. Adapted from the
// frame-at-a-time relay shape of the teacher's internal/proxy/pg_relay.go,
// repurposed from "copy bytes to the other side" into "decode and
// dispatch to waiters/subscribers."
type Duplexer struct {
	conn io.ReadWriteCloser
	log  *slog.Logger

	wmu sync.Mutex // serializes outbound writes

	queue *waiterQueue

	phase atomic.Int32 // Phase

	onDisconnect []func(err error)
	dmu          sync.Mutex

	closed atomic.Bool
	doneCh chan struct{}
}

// New wraps conn and starts its background read loop. The caller must
// call Close to stop the loop and release the underlying connection.
func New(conn io.ReadWriteCloser, log *slog.Logger) *Duplexer {
	if log == nil {
		log = slog.Default()
	}
	d := &Duplexer{
		conn:   conn,
		log:    log,
		queue:  newWaiterQueue(),
		doneCh: make(chan struct{}),
	}
	d.phase.Store(int32(Connecting))
	go d.readLoop()
	return d
}

// Phase returns the connection's current lifecycle phase.
func (d *Duplexer) Phase() Phase { return Phase(d.phase.Load()) }

// SetPhase transitions the connection's lifecycle phase.
func (d *Duplexer) SetPhase(p Phase) { d.phase.Store(int32(p)) }

// Subscribe registers a handler invoked for every decoded message, in
// registration order, before waiter dispatch. The returned func
// removes it; a caller that never needs to stop receiving (e.g. a
// metrics tap) may discard it.
func (d *Duplexer) Subscribe(s Subscriber) (cancel func()) {
	id := d.queue.subscribe(s)
	return func() { d.queue.unsubscribe(id) }
}

// OnDisconnect registers a callback fired once, after the read loop
// exits, with the error that caused it (nil on a clean Close).
func (d *Duplexer) OnDisconnect(fn func(err error)) {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

// Send writes one framed message. Safe for concurrent use; writes
// serialize through wmu.
func (d *Duplexer) Send(tag byte, payload []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return protocol.WriteMessage(d.conn, tag, payload)
}

// DuplexAndSync atomically (a) registers a one-shot waiter matching
// predicate, (b) writes tag/payload followed by a Sync message, and
// (c) awaits either a predicate match, an ErrorResponse (delivered as
// an error), or ctx cancellation (spec §4.4).
func (d *Duplexer) DuplexAndSync(ctx context.Context, tag byte, payload []byte, predicate func(protocol.Message) bool) (protocol.Message, error) {
	w := &waiter{predicate: predicate, result: make(chan waiterResult, 1)}
	d.queue.register(w)

	d.wmu.Lock()
	err := protocol.WriteMessage(d.conn, tag, payload)
	if err == nil {
		err = protocol.WriteMessage(d.conn, protocol.ClientSync, nil)
	}
	d.wmu.Unlock()
	if err != nil {
		return protocol.Message{}, err
	}

	select {
	case res := <-w.result:
		if res.err != nil {
			return protocol.Message{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-d.doneCh:
		return protocol.Message{}, &ConnectionLostError{Err: io.ErrClosedPipe}
	}
}

// SendAndWait registers a one-shot waiter matching predicate, writes
// tag/payload (without a trailing Sync — used during the handshake,
// which the protocol does not pace with Sync messages), then awaits a
// match, an ErrorResponse, or ctx cancellation.
func (d *Duplexer) SendAndWait(ctx context.Context, tag byte, payload []byte, predicate func(protocol.Message) bool) (protocol.Message, error) {
	w := &waiter{predicate: predicate, result: make(chan waiterResult, 1)}
	d.queue.register(w)

	if err := d.Send(tag, payload); err != nil {
		return protocol.Message{}, err
	}

	select {
	case res := <-w.result:
		if res.err != nil {
			return protocol.Message{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-d.doneCh:
		return protocol.Message{}, &ConnectionLostError{Err: io.ErrClosedPipe}
	}
}

// Await registers a one-shot waiter matching predicate against
// already-flowing messages without sending anything — used to consume
// a reply the caller knows is coming unprompted (the authenticator uses
// it for AuthenticationOK and the messages that follow it).
func (d *Duplexer) Await(ctx context.Context, predicate func(protocol.Message) bool) (protocol.Message, error) {
	w := &waiter{predicate: predicate, result: make(chan waiterResult, 1)}
	d.queue.register(w)

	select {
	case res := <-w.result:
		if res.err != nil {
			return protocol.Message{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-d.doneCh:
		return protocol.Message{}, &ConnectionLostError{Err: io.ErrClosedPipe}
	}
}

// readLoop frames one message at a time, logs and skips unknown
// message types as a forward-compatible extension, and dispatches
// known ones to subscribers and waiters. A frame read failure closes
// the connection: the phase becomes Closed, every pending waiter is
// completed with ConnectionLostError, and OnDisconnect fires (spec §4.4).
func (d *Duplexer) readLoop() {
	var exitErr error
	defer func() {
		d.phase.Store(int32(Closed))
		d.queue.abortAll(&ConnectionLostError{Err: exitErr})
		close(d.doneCh)

		d.dmu.Lock()
		handlers := append([]func(error){}, d.onDisconnect...)
		d.dmu.Unlock()
		for _, h := range handlers {
			h(exitErr)
		}
	}()

	for {
		msg, err := protocol.ReadMessage(d.conn)
		if err != nil {
			if !d.closed.Load() {
				exitErr = err
			}
			return
		}

		if msg.Tag == protocol.ServerErrorResponse {
			d.queue.dispatchError(parseServerError(msg.Payload))
			continue
		}

		if !knownServerTag(msg.Tag) {
			d.log.Error("duplex: unknown message type, skipping", "tag", protocol.MessageName(msg.Tag))
			continue
		}

		d.queue.dispatch(msg)
	}
}

func knownServerTag(tag byte) bool {
	switch tag {
	case protocol.ServerAuthenticationStatus, protocol.ServerKeyData, protocol.ServerParameterStatus,
		protocol.ServerReadyForCommand, protocol.ServerCommandComplete, protocol.ServerData,
		protocol.ServerPrepareComplete, protocol.ServerCommandDataDescription, protocol.ServerErrorResponse,
		protocol.ServerLogMessage, protocol.ServerDumpHeader, protocol.ServerDumpBlock, protocol.ServerRestoreReady:
		return true
	default:
		return false
	}
}

// Close stops the read loop and closes the underlying connection. Safe
// to call more than once.
func (d *Duplexer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.conn.Close()
}
