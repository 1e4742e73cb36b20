package txn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jeelkantaria/gelclient/internal/codec"
	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/duplex"
	"github.com/jeelkantaria/gelclient/internal/protocol"
	"github.com/jeelkantaria/gelclient/internal/query"
)

// fakeTxnServer answers a scripted sequence of statements over server,
// one ReadyForCommand per Sync, optionally failing the nth statement
// with an ErrorResponse carrying errCode. Grounded on the same
// net.Pipe fixture pattern as internal/query/engine_test.go's
// fakeQueryServer.
func fakeTxnServer(t *testing.T, server net.Conn, failAt int, errCode uint32) {
	t.Helper()

	stmt := 0
	for {
		msg, err := protocol.ReadMessage(server)
		if err != nil {
			return
		}
		switch msg.Tag {
		case protocol.ClientSync:
			continue
		case protocol.ClientPrepare:
			stmt++
			if stmt == failAt {
				w := protocol.NewWriter()
				w.PutU8(2) // severity
				w.PutU32(errCode)
				w.PutString("injected failure")
				w.PutU16(0)
				protocol.WriteMessage(server, protocol.ServerErrorResponse, w.Bytes())
				continue
			}

			pc := protocol.NewWriter()
			pc.PutU8(uint8(query.NoResult))
			pc.PutUUID(codec.TextTypeID) // pre-registered base scalar: no Describe round trip needed
			pc.PutUUID(codec.TextTypeID)
			protocol.WriteMessage(server, protocol.ServerPrepareComplete, pc.Bytes())
			protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)
		case protocol.ClientExecute:
			protocol.WriteMessage(server, protocol.ServerCommandComplete, []byte("OK"))
			protocol.WriteMessage(server, protocol.ServerReadyForCommand, nil)
		default:
			t.Errorf("unexpected tag %#x", msg.Tag)
		}
	}
}

func newTxnTestConn(t *testing.T, failAt int, errCode uint32) *conn.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := conn.New(duplex.New(client, nil))
	t.Cleanup(func() { c.Close() })

	go fakeTxnServer(t, server, failAt, errCode)
	return c
}

func TestRunCommitsOnSuccess(t *testing.T) {
	c := newTxnTestConn(t, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	calls := 0
	err := Run(ctx, c, DefaultSettings, func(ctx context.Context, tx *Tx) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	if c.Duplexer().Phase() != duplex.Ready {
		t.Fatalf("Phase() = %v, want Ready after commit", c.Duplexer().Phase())
	}
}

func TestRunRollsBackOnCallbackError(t *testing.T) {
	c := newTxnTestConn(t, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wantErr := errors.New("application failure")
	err := Run(ctx, c, Settings{RetryAttempts: 0}, func(ctx context.Context, tx *Tx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() = %v, want wrapping %v", err, wantErr)
	}
	if c.Duplexer().Phase() != duplex.Ready {
		t.Fatalf("Phase() = %v, want Ready after rollback", c.Duplexer().Phase())
	}
}

func TestRunRejectsNestedTransaction(t *testing.T) {
	c := newTxnTestConn(t, 0, 0)
	c.Duplexer().SetPhase(duplex.InTransaction)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Run(ctx, c, DefaultSettings, func(ctx context.Context, tx *Tx) error {
		t.Fatal("callback must not run for a nested transaction attempt")
		return nil
	})

	var invalidState *InvalidStateError
	if !errors.As(err, &invalidState) {
		t.Fatalf("got %v (%T), want *InvalidStateError", err, err)
	}
}

func TestRunRetriesSerializationError(t *testing.T) {
	// Fails the first START TRANSACTION's Prepare with a serialization
	// error, succeeds on the retry.
	c := newTxnTestConn(t, 1, codeClassTransactionSerializationForTest)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	attempts := 0
	err := Run(ctx, c, Settings{RetryAttempts: 1}, func(ctx context.Context, tx *Tx) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("callback invoked %d times, want 1 (only the successful retry runs it)", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Fatal("a plain error must not be retryable")
	}
	if !IsRetryable(&duplex.ConnectionLostError{Err: fmt.Errorf("eof")}) {
		t.Fatal("a lost connection must be retryable")
	}
	serializationErr := &duplex.WireError{Code: codeClassTransactionSerializationForTest}
	if !IsRetryable(serializationErr) {
		t.Fatal("a TransactionSerializationError must be retryable")
	}
	otherServerErr := &duplex.WireError{Code: 0x01_00_00_00}
	if IsRetryable(otherServerErr) {
		t.Fatal("an unrelated server error must not be retryable")
	}
}

const codeClassTransactionSerializationForTest = 0x02_01_00_00
