// Package conn wraps one authenticated Duplexer in the pooling metadata
// a Pool needs: lifecycle state, timestamps, a monotonic slot id, and
// the per-connection command lock the Query Engine and Transaction
// Controller serialize requests through. Adapted from the teacher's
// internal/pool.PooledConn (state machine, createdAt/lastUsed,
// IsExpired/IsIdle) generalized from a raw net.Conn wrapper to one
// around a duplex.Duplexer plus its own codec registry.
package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeelkantaria/gelclient/internal/codec"
	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/duplex"
)

// State is a connection's position in the pool's idle/active/closed
// lifecycle (distinct from duplex.Phase, which tracks the protocol
// state machine within a single request).
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

// Connection is one pooled, authenticated link to the server: a
// Duplexer plus the codec registry and command lock the higher-level
// Query Engine, Transaction Controller, and Dump/Restore streamer all
// share.
type Connection struct {
	slotID int64

	mu        sync.Mutex
	state     State
	createdAt time.Time
	lastUsed  time.Time

	cmdMu sync.Mutex // spec §4.6 step 1: "acquire the connection's command lock"

	duplexer  *duplex.Duplexer
	registry  *codec.Registry
	serverKey [32]byte

	suggestedPoolConcurrency int
	parameterStatus          map[string][]byte
}

var nextSlotID atomic.Int64

// New wraps an already-running Duplexer in a fresh Connection, seeding
// its own codec registry with the well-known base scalars. Exported so
// tests (and anything else that already has an authenticated Duplexer,
// such as internal/testserver fixtures) can build a Connection without
// going through Dial's TCP/TLS machinery.
func New(d *duplex.Duplexer) *Connection {
	now := time.Now()
	return &Connection{
		slotID:    nextSlotID.Add(1),
		state:     StateIdle,
		createdAt: now,
		lastUsed:  now,
		duplexer:  d,
		registry:  codec.NewRegistry(),
	}
}

// Dial opens, TLS-wraps, and authenticates a new Connection (spec §4.5).
func Dial(ctx context.Context, params config.ConnectionParameters, dialTimeout time.Duration) (*Connection, error) {
	ac, err := duplex.Dial(ctx, params, dialTimeout)
	if err != nil {
		return nil, err
	}
	c := New(ac.Duplexer)
	c.serverKey = ac.ServerKey
	c.suggestedPoolConcurrency = ac.SuggestedPoolConcurrency
	c.parameterStatus = ac.ParameterStatus
	return c, nil
}

// SlotID is this connection's monotonic pool index, used for
// registration/de-registration by slot id (spec §4.2's "indexed by a
// monotonic slot id").
func (c *Connection) SlotID() int64 { return c.slotID }

// Duplexer returns the underlying message duplexer.
func (c *Connection) Duplexer() *duplex.Duplexer { return c.duplexer }

// Registry returns this connection's codec registry.
func (c *Connection) Registry() *codec.Registry { return c.registry }

// SuggestedPoolConcurrency is the server's advisory pool size hint
// absorbed during authentication (spec §4.5 step 5, §4.8 step 1).
func (c *Connection) SuggestedPoolConcurrency() int { return c.suggestedPoolConcurrency }

// Lock acquires the command lock, serializing Query Engine and
// Transaction Controller requests on this connection (spec §4.6 step 1).
func (c *Connection) Lock() { c.cmdMu.Lock() }

// Unlock releases the command lock.
func (c *Connection) Unlock() { c.cmdMu.Unlock() }

// MarkActive marks the connection in-use and bumps lastUsed.
func (c *Connection) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.lastUsed = time.Now()
}

// MarkIdle marks the connection available and bumps lastUsed.
func (c *Connection) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.lastUsed = time.Now()
}

// State returns the connection's current pool-lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when the connection was dialed.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns the last MarkActive/MarkIdle timestamp.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired reports whether the connection has exceeded maxLifetime
// since it was dialed. maxLifetime <= 0 disables the check.
func (c *Connection) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdle reports whether the connection is idle and has sat unused
// longer than idleTimeout. idleTimeout <= 0 disables the check.
func (c *Connection) IsIdle(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return c.state == StateIdle && time.Since(c.lastUsed) > idleTimeout
}

// IsHealthy reports whether the connection's duplexer is still
// running. Unlike the teacher's PooledConn.Ping (a raw 1-byte read
// with a short deadline), a Duplexer's background read loop already
// consumes every byte off the wire, so liveness is read directly off
// its phase rather than by stealing a read from that loop.
func (c *Connection) IsHealthy() bool {
	return c.duplexer.Phase() != duplex.Closed
}

// Close closes the underlying duplexer and marks the connection closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.duplexer.Close()
}
