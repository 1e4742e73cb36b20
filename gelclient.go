// Package gelclient is a client library for the protocol described in
// spec.md: connection handshake and authentication, a pooled Query
// Engine and Transaction Controller, and a Dump/Restore streamer.
// Callers resolve connection parameters themselves (DSN parsing,
// project files, environment precedence, and the like are explicitly
// out of scope — see SPEC_FULL.md §1) and hand this package a
// config.ConnectionParameters value.
package gelclient

import (
	"context"
	"errors"
	"io"

	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/dump"
	"github.com/jeelkantaria/gelclient/internal/duplex"
	"github.com/jeelkantaria/gelclient/internal/metrics"
	"github.com/jeelkantaria/gelclient/internal/pool"
	"github.com/jeelkantaria/gelclient/internal/query"
	"github.com/jeelkantaria/gelclient/internal/txn"
)

// Client is a pooled connection to one server: the public entry point
// this module exposes. Opening one does not dial anything; the first
// connection happens lazily on first use (spec §4.8 step 1).
type Client struct {
	pool    *pool.Pool
	metrics *metrics.Collector
}

// Options bundles the pool sizing knobs a caller can override;
// zero-value fields fall back to config.DefaultPoolOptions.
type Options = config.PoolOptions

// Connect builds a Client against params. No network I/O happens here.
func Connect(params config.ConnectionParameters, opts Options) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, &InvalidArgumentError{Reason: err.Error()}
	}
	m := metrics.New()
	p := pool.New(params, opts)
	p.SetMetrics(m)
	return &Client{pool: p, metrics: m}, nil
}

// Metrics returns the Prometheus registry this Client's pool reports
// to, for wiring into an internal/statusapi.Server or a caller's own
// HTTP mux.
func (c *Client) Metrics() *metrics.Collector { return c.metrics }

// Pool exposes the underlying pool for internal/statusapi.Server's
// narrowed Pool interface (Stats/Execute) without this package
// re-declaring that interface.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Execute runs a command expected to return no rows (spec §4.6, the
// NoResult cardinality).
func (c *Client) Execute(ctx context.Context, command string, args map[string]any) error {
	_, err := c.pool.Execute(ctx, query.Request{
		Command:     command,
		Args:        args,
		Cardinality: query.NoResult,
	})
	return translateError(err)
}

// Query runs a command and returns every row it produces (spec §4.6,
// the Many cardinality).
func (c *Client) Query(ctx context.Context, command string, args map[string]any) ([]any, error) {
	rows, err := c.pool.Execute(ctx, query.Request{
		Command:     command,
		Args:        args,
		Cardinality: query.Many,
	})
	return rows, translateError(err)
}

// QuerySingle runs a command expected to return zero or one row,
// returning nil if it returned none (spec §4.6, the AtMostOne
// cardinality).
func (c *Client) QuerySingle(ctx context.Context, command string, args map[string]any) (any, error) {
	rows, err := c.pool.Execute(ctx, query.Request{
		Command:     command,
		Args:        args,
		Cardinality: query.AtMostOne,
	})
	if err != nil {
		return nil, translateError(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// QueryRequiredSingle runs a command expected to return exactly one
// row (spec §4.6, the One cardinality).
func (c *Client) QueryRequiredSingle(ctx context.Context, command string, args map[string]any) (any, error) {
	rows, err := c.pool.Execute(ctx, query.Request{
		Command:     command,
		Args:        args,
		Cardinality: query.One,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return rows[0], nil
}

// Tx is the handle a Transaction callback uses to issue queries inside
// the transaction (forwards to the same pooled connection Run holds
// for the attempt).
type Tx struct{ inner *txn.Tx }

// Execute runs a command expected to return no rows, inside the
// transaction.
func (tx *Tx) Execute(ctx context.Context, command string, args map[string]any) error {
	_, err := tx.inner.Execute(ctx, query.Request{Command: command, Args: args, Cardinality: query.NoResult})
	return translateError(err)
}

// Query runs a command and returns every row it produces, inside the
// transaction.
func (tx *Tx) Query(ctx context.Context, command string, args map[string]any) ([]any, error) {
	rows, err := tx.inner.Execute(ctx, query.Request{Command: command, Args: args, Cardinality: query.Many})
	return rows, translateError(err)
}

// TxCallback is the unit of work Transaction wraps (spec §4.7).
type TxCallback func(ctx context.Context, tx *Tx) error

// TxSettings configures one Transaction call; the zero value uses
// txn.DefaultSettings.
type TxSettings = txn.Settings

// DefaultTxSettings is a serializable, read-write, non-deferrable
// transaction retried up to three times (spec §4.7).
var DefaultTxSettings = txn.DefaultSettings

// Transaction runs fn inside a transaction on a pooled connection,
// retrying the whole attempt up to settings.RetryAttempts times on a
// retry-eligible error (spec §4.7).
func (c *Client) Transaction(ctx context.Context, settings TxSettings, fn TxCallback) error {
	err := c.pool.Transaction(ctx, settings, func(ctx context.Context, inner *txn.Tx) error {
		return fn(ctx, &Tx{inner: inner})
	})
	return translateError(err)
}

// Dump streams the server's entire contents to w as a dump container
// plus a manifest describing it (spec §4.9, §6, §3's manifest
// addition).
func (c *Client) Dump(ctx context.Context, w io.Writer) (dump.Manifest, error) {
	manifest, err := c.pool.Dump(ctx, w)
	return manifest, translateError(err)
}

// Restore replays a dump container produced by Dump (spec §4.9).
func (c *Client) Restore(ctx context.Context, r io.Reader) error {
	return translateError(c.pool.Restore(ctx, r))
}

// Close drains and closes every pooled connection (spec §4.8's
// teardown).
func (c *Client) Close() {
	c.pool.Close()
}

// translateError maps an internal error into the public taxonomy at
// the package boundary (spec §7: "each internal error kind corresponds
// to exactly one exported type").
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var wire *duplex.WireError
	if errors.As(err, &wire) {
		return &ServerError{
			Severity: severityName(wire.Severity),
			Code:     wire.Code,
			Message:  wire.Message,
			Headers:  wire.Headers,
		}
	}

	var lost *duplex.ConnectionLostError
	if errors.As(err, &lost) {
		return &ConnectionError{Op: "request", Err: lost.Unwrap()}
	}

	var dialErr *duplex.DialError
	if errors.As(err, &dialErr) {
		if dialErr.Phase == "auth" {
			return &AuthenticationError{Reason: dialErr.Err.Error()}
		}
		return &ConnectionError{Op: dialErr.Phase, Err: dialErr.Err}
	}

	var invalidArg *query.InvalidArgumentError
	if errors.As(err, &invalidArg) {
		return &InvalidArgumentError{Reason: invalidArg.Reason}
	}

	var cardMismatch *query.CardinalityMismatchError
	if errors.As(err, &cardMismatch) {
		return &ResultCardinalityMismatchError{Expected: cardMismatch.Expected, Actual: cardMismatch.Actual}
	}

	var protoErr *query.ProtocolError
	if errors.As(err, &protoErr) {
		return &ProtocolError{Reason: protoErr.Reason}
	}

	var invalidState *txn.InvalidStateError
	if errors.As(err, &invalidState) {
		return &InvalidStateError{Reason: invalidState.Reason}
	}

	var notEmpty *dump.DatabaseNotEmptyError
	if errors.As(err, &notEmpty) {
		return &DatabaseNotEmptyError{Count: notEmpty.Count}
	}

	var checksum *dump.ChecksumMismatchError
	if errors.As(err, &checksum) {
		return &ChecksumMismatchError{BlockIndex: checksum.BlockIndex}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Op: "request"}
	}

	return err
}

func severityName(level uint8) string {
	switch {
	case level >= 120:
		return "PANIC"
	case level >= 100:
		return "FATAL"
	case level >= 80:
		return "ERROR"
	case level >= 60:
		return "WARNING"
	default:
		return "NOTICE"
	}
}
