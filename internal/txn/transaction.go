// Package txn implements the Transaction Controller (spec §4.7): a
// callback wrapper that sends START TRANSACTION/COMMIT/ROLLBACK around
// an application callback and retries the whole attempt on
// retry-eligible errors. Grounded on the retry loop shape of the
// teacher's internal/pool.TenantPool.Acquire, here bounded by an attempt
// count and re-checking the context on each pass, adapted from "wait for
// a free connection" to "retry a transaction attempt."
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/duplex"
	"github.com/jeelkantaria/gelclient/internal/query"
)

// Isolation is the transaction isolation level. The protocol only
// defines one (spec §4.7: "isolation ∈ {Serializable}"), kept as a
// named type so a future level slots in without a signature change.
type Isolation uint8

const IsolationSerializable Isolation = 0

func (i Isolation) String() string {
	switch i {
	case IsolationSerializable:
		return "Serializable"
	default:
		return "Serializable"
	}
}

// Settings configures one Run call: the START TRANSACTION clause and
// the retry budget for the whole attempt loop.
type Settings struct {
	Isolation     Isolation
	ReadOnly      bool
	Deferrable    bool
	RetryAttempts int
}

// DefaultSettings matches the protocol's own defaults: a serializable,
// read-write, non-deferrable transaction retried up to three times.
var DefaultSettings = Settings{
	Isolation:     IsolationSerializable,
	RetryAttempts: 3,
}

// Tx is the handle a Run callback uses to issue queries inside the
// transaction. It forwards straight to the Query Engine over the same
// connection the transaction owns.
type Tx struct {
	conn *conn.Connection
}

// Execute runs req against the connection executing this transaction.
func (tx *Tx) Execute(ctx context.Context, req query.Request) ([]any, error) {
	return query.Execute(ctx, tx.conn, req)
}

// Callback is the unit of work Run wraps in a transaction. It may be
// invoked more than once if an attempt fails with a retry-eligible
// error.
type Callback func(ctx context.Context, tx *Tx) error

// Run executes fn inside a transaction on c, retrying the whole
// START TRANSACTION/fn/COMMIT sequence up to settings.RetryAttempts
// additional times on a retry-eligible error (spec §4.7). Nested
// transactions are rejected outright: if c's duplexer already reports
// InTransaction, Run never sends a single byte.
func Run(ctx context.Context, c *conn.Connection, settings Settings, fn Callback) error {
	if c.Duplexer().Phase() == duplex.InTransaction {
		return &InvalidStateError{Reason: "transactions cannot be nested on the same connection"}
	}

	var lastErr error
	for attempt := 0; attempt <= settings.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := attemptOnce(ctx, c, settings, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

// attemptOnce runs one START TRANSACTION/fn/COMMIT-or-ROLLBACK cycle
// (spec §4.7 steps 1-3).
func attemptOnce(ctx context.Context, c *conn.Connection, settings Settings, fn Callback) error {
	d := c.Duplexer()

	if _, err := query.Execute(ctx, c, query.Request{
		Command:      startTransactionStatement(settings),
		Cardinality:  query.NoResult,
		Capabilities: query.CapabilityTransaction,
	}); err != nil {
		return fmt.Errorf("txn: start transaction: %w", err)
	}
	d.SetPhase(duplex.InTransaction)

	cbErr := fn(ctx, &Tx{conn: c})
	if cbErr != nil {
		d.SetPhase(duplex.Ready)
		if rbErr := rollback(ctx, c); rbErr != nil {
			return errors.Join(cbErr, rbErr)
		}
		return cbErr
	}

	if _, err := query.Execute(ctx, c, query.Request{
		Command:      "COMMIT",
		Cardinality:  query.NoResult,
		Capabilities: query.CapabilityTransaction,
	}); err != nil {
		d.SetPhase(duplex.Ready)
		return fmt.Errorf("txn: commit: %w", err)
	}

	d.SetPhase(duplex.Ready)
	return nil
}

// rollback attempts ROLLBACK after a failed callback. A non-protocol
// failure (the server simply rejecting the rollback, or the
// connection being gone) is swallowed since the original callback
// error is what the caller needs; a protocol error is returned so it
// can be joined with the original, since it means the wire itself is
// in a state neither side can reason about (spec §4.7 step 2).
func rollback(ctx context.Context, c *conn.Connection) error {
	_, err := query.Execute(ctx, c, query.Request{
		Command:      "ROLLBACK",
		Cardinality:  query.NoResult,
		Capabilities: query.CapabilityTransaction,
	})
	if err == nil {
		return nil
	}
	var protoErr *query.ProtocolError
	if errors.As(err, &protoErr) {
		return fmt.Errorf("txn: rollback: %w", err)
	}
	return nil
}

// startTransactionStatement derives a START TRANSACTION clause from
// settings (spec §4.7 step 1).
func startTransactionStatement(settings Settings) string {
	var b strings.Builder
	b.WriteString("START TRANSACTION ISOLATION ")
	b.WriteString(settings.Isolation.String())
	if settings.ReadOnly {
		b.WriteString(", READ ONLY")
	} else {
		b.WriteString(", READ WRITE")
	}
	if settings.Deferrable {
		b.WriteString(", DEFERRABLE")
	} else {
		b.WriteString(", NOT DEFERRABLE")
	}
	return b.String()
}

// IsRetryable reports whether err is eligible for Run's retry policy:
// a lost connection, or a server error in the TransactionSerialization
// class (spec §4.7 step 4). All other errors, including a callback's
// own application error, are not retried.
func IsRetryable(err error) bool {
	var lost *duplex.ConnectionLostError
	if errors.As(err, &lost) {
		return true
	}
	var wire *duplex.WireError
	if errors.As(err, &wire) {
		return wire.IsSerializationError()
	}
	return false
}
