// Package pool implements the Pool (spec §4.8): a bounded set of
// authenticated connections to a single server, admission-gated by a
// weighted semaphore sized from the server's own suggested concurrency
// hint. Adapted from the teacher's internal/pool.TenantPool — the same
// idle-slice/active-map bookkeeping, idle reaper, and drain/close
// shapes — collapsed from a multi-tenant Manager-of-pools down to one
// pool per application, and with the teacher's sync.Cond wait loop
// replaced by golang.org/x/sync/semaphore's cancellable Acquire.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/dump"
	"github.com/jeelkantaria/gelclient/internal/metrics"
	"github.com/jeelkantaria/gelclient/internal/query"
	"github.com/jeelkantaria/gelclient/internal/txn"
)

// Stats reports a point-in-time snapshot of pool occupancy.
type Stats struct {
	Active    int
	Idle      int
	Total     int
	Waiting   int
	Exhausted int64
}

// OnExhausted is invoked (off the lock) every time Acquire must wait on
// the admission semaphore, mirroring the teacher's OnPoolExhausted hook
// — a natural home for a metrics counter (internal/metrics).
type OnExhausted func()

// Pool is a bounded set of *conn.Connection to one server, admission
// gated by a semaphore sized at first use from max(configured,
// suggested_pool_concurrency) (spec §4.8 step 1).
type Pool struct {
	params config.ConnectionParameters
	opts   config.PoolOptions

	initOnce  sync.Once
	initErr   error
	firstConn *conn.Connection
	sem       *semaphore.Weighted

	// dial defaults to conn.Dial; tests substitute a net.Pipe-backed
	// stand-in so Pool's admission/selection logic can be exercised
	// without a real TLS handshake, mirroring the teacher's
	// InjectTestConn escape hatch for TenantPool.
	dial func(ctx context.Context, params config.ConnectionParameters, dialTimeout time.Duration) (*conn.Connection, error)

	mu      sync.Mutex
	idle    []*conn.Connection
	active  map[int64]*conn.Connection
	total   int
	waiting int

	exhausted   int64
	onExhausted OnExhausted
	metrics     *metrics.Collector

	closed bool
	stopCh chan struct{}
}

// New builds a Pool against params, applying opts over
// config.DefaultPoolOptions. It does not dial anything; the first
// connection is opened lazily on the first Execute/Transaction call
// (spec §4.8 step 1).
func New(params config.ConnectionParameters, opts config.PoolOptions) *Pool {
	p := &Pool{
		params: params,
		opts:   config.EffectivePoolOptions(opts, config.DefaultPoolOptions),
		active: make(map[int64]*conn.Connection),
		stopCh: make(chan struct{}),
		dial:   conn.Dial,
	}
	go p.reapLoop()
	return p
}

// NewWithDialer builds a Pool like New, substituting dial for the
// connection factory — the seam gelclient's own tests use to drive a
// Client over a net.Pipe instead of a real TLS handshake, the same way
// this package's own tests substitute p.dial directly.
func NewWithDialer(params config.ConnectionParameters, opts config.PoolOptions, dial func(ctx context.Context, params config.ConnectionParameters, dialTimeout time.Duration) (*conn.Connection, error)) *Pool {
	p := New(params, opts)
	p.dial = dial
	return p
}

// OnExhausted registers cb, called every time Acquire blocks on the
// admission semaphore.
func (p *Pool) OnExhausted(cb OnExhausted) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExhausted = cb
}

// SetMetrics attaches a Collector that Execute, Transaction, and the
// admission path report to. Nil by default: a Pool built without a
// Client wrapper (e.g. in package tests) runs with no metrics
// overhead.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// reportStats pushes the current occupancy snapshot to the attached
// Collector, if any. Called after every acquire/release so the pool
// gauges track actual occupancy rather than a periodic sample.
func (p *Pool) reportStats() {
	p.mu.Lock()
	m := p.metrics
	stats := Stats{
		Active:  len(p.active),
		Idle:    len(p.idle),
		Total:   p.total,
		Waiting: p.waiting,
	}
	p.mu.Unlock()
	if m != nil {
		m.UpdatePoolStats(stats.Active, stats.Idle, stats.Total, stats.Waiting)
	}
}

// Stats returns a point-in-time occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// Execute runs req to completion on a pool connection: wait on
// admission, select or dial a Connection, delegate to the Query
// Engine, then return the connection to idle and release admission
// (spec §4.8 steps 2-4).
func (p *Pool) Execute(ctx context.Context, req query.Request) ([]any, error) {
	c, err := p.acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := query.Execute(ctx, c, req)
	if p.metrics != nil {
		p.metrics.QueryDuration(time.Since(start))
	}
	p.releaseConn(c, err)
	return rows, err
}

// Transaction runs fn inside a transaction on a single pool connection,
// held for the whole (possibly retried) attempt sequence, then returns
// it to idle (spec §4.7 via §4.8's delegate-and-release shape).
func (p *Pool) Transaction(ctx context.Context, settings txn.Settings, fn txn.Callback) error {
	c, err := p.acquireConn(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	err = txn.Run(ctx, c, settings, fn)
	if err == nil && p.metrics != nil {
		p.metrics.TransactionCompleted(time.Since(start))
	}
	p.releaseConn(c, err)
	return err
}

// Dump streams the server's contents to w over a pool connection held
// for the whole sequence (spec §4.9 via §4.8's delegate-and-release
// shape), reporting the written byte total to the attached Collector.
func (p *Pool) Dump(ctx context.Context, w io.Writer) (dump.Manifest, error) {
	c, err := p.acquireConn(ctx)
	if err != nil {
		return dump.Manifest{}, err
	}
	manifest, err := dump.Dump(ctx, c, w)
	if err == nil && p.metrics != nil {
		p.metrics.DumpBytes(manifest.TotalBytes)
	}
	p.releaseConn(c, err)
	return manifest, err
}

// Restore replays a dump container from r over a pool connection held
// for the whole sequence, reporting the read byte total to the
// attached Collector.
func (p *Pool) Restore(ctx context.Context, r io.Reader) error {
	c, err := p.acquireConn(ctx)
	if err != nil {
		return err
	}
	cr := &countingReader{r: r}
	err = dump.Restore(ctx, c, cr)
	if err == nil && p.metrics != nil {
		p.metrics.RestoreBytes(cr.n)
	}
	p.releaseConn(c, err)
	return err
}

// countingReader tracks bytes read through it, for Restore's byte-count
// metric without dump.Restore needing to know about metrics at all.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// acquireConn implements spec §4.8 steps 1-3: ensure initialized, wait
// on the admission semaphore, then select an idle connection or dial a
// new one under the lookup mutex so two callers racing past the idle
// list can never both select the same slot.
func (p *Pool) acquireConn(ctx context.Context) (*conn.Connection, error) {
	justInitialized, err := p.initializedByThisCall(ctx)
	if err != nil {
		return nil, err
	}
	if justInitialized {
		return p.firstActiveConn()
	}

	if !p.sem.TryAcquire(1) {
		if err := p.waitAdmission(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if c := p.tryTakeIdleLocked(); c != nil {
		p.mu.Unlock()
		p.reportStats()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, p.params, p.opts.DialTimeout)
	p.reportDial(err)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("pool: dial: %w", err)
	}
	c.MarkActive()
	p.mu.Lock()
	p.total++
	p.active[c.SlotID()] = c
	p.mu.Unlock()
	p.watchDisconnect(c)
	p.reportStats()
	return c, nil
}

// reportDial records the outcome of a dial (which always includes
// authentication per spec §4.5) as an auth-outcome metric, if a
// Collector is attached.
func (p *Pool) reportDial(dialErr error) {
	if p.metrics == nil {
		return
	}
	if dialErr != nil {
		p.metrics.AuthOutcome("failure")
		return
	}
	p.metrics.AuthOutcome("success")
}

// initializedByThisCall runs the pool's one-time initialization
// (dialFirstConn under initOnce) and reports whether this
// particular call is the one that performed the dial (sync.Once only
// ever returns that to exactly one caller).
func (p *Pool) initializedByThisCall(ctx context.Context) (bool, error) {
	var ran bool
	p.initOnce.Do(func() {
		ran = true
		p.initErr = p.dialFirstConn(ctx)
	})
	if ran {
		return true, p.initErr
	}
	// A later caller: initOnce already fired (possibly
	// on another goroutine); just surface whatever error it recorded.
	return false, p.initErr
}

// dialFirstConn is the body of the pool's one-time initialization,
// split out so initializedByThisCall can drive the sync.Once directly
// and learn whether it was the firing caller.
func (p *Pool) dialFirstConn(ctx context.Context) error {
	c, err := p.dial(ctx, p.params, p.opts.DialTimeout)
	p.reportDial(err)
	if err != nil {
		return fmt.Errorf("pool: initial connection: %w", err)
	}

	size := int64(p.opts.MaxConnections)
	if sc := int64(c.SuggestedPoolConcurrency()); sc > size {
		size = sc
	}
	p.sem = semaphore.NewWeighted(size)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		c.Close()
		return err
	}

	c.MarkActive()
	p.mu.Lock()
	p.total++
	p.active[c.SlotID()] = c
	p.mu.Unlock()
	p.watchDisconnect(c)
	p.firstConn = c
	p.reportStats()
	return nil
}

// tryTakeIdleLocked pops the most recently returned idle connection, if
// any, and marks it active. Caller holds p.mu.
func (p *Pool) tryTakeIdleLocked() *conn.Connection {
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.IsExpired(p.opts.MaxLifetime) || !c.IsHealthy() {
			c.Close()
			p.total--
			continue
		}
		c.MarkActive()
		p.active[c.SlotID()] = c
		return c
	}
	return nil
}

// firstActiveConn returns the exact connection dialFirstConn just
// dialed and admitted. Stored in its own field rather than looked up
// from the active map, since by the time the firing goroutine reaches
// here other goroutines unblocked from initOnce.Do may already have
// dialed and registered connections of their own — scanning the map
// could hand this caller someone else's connection.
func (p *Pool) firstActiveConn() (*conn.Connection, error) {
	if p.firstConn == nil {
		return nil, fmt.Errorf("pool: initial connection missing after initialization")
	}
	return p.firstConn, nil
}

// waitAdmission blocks on the semaphore, reporting exhaustion once per
// wait (spec §4.8 step 2, §5's "admission semaphore... cancellable").
func (p *Pool) waitAdmission(ctx context.Context) error {
	p.mu.Lock()
	p.waiting++
	p.exhausted++
	cb := p.onExhausted
	m := p.metrics
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	if m != nil {
		m.PoolExhausted()
	}

	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.sem.Acquire(ctx, 1)
	if m != nil {
		m.AcquireDuration(time.Since(start))
	}

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()
	return err
}

// releaseConn returns c to idle unless the pool is closed, c is
// unhealthy or past MaxLifetime, or execErr is a context cancellation or
// deadline (the wire state of an interrupted pipeline is unknown), in
// which case c is closed. It always releases c's admission slot (spec
// §4.8 step 4: "release admission in a guaranteed-release scope").
func (p *Pool) releaseConn(c *conn.Connection, execErr error) {
	defer p.sem.Release(1)
	defer p.reportStats()

	p.mu.Lock()
	delete(p.active, c.SlotID())
	defer p.mu.Unlock()

	if p.closed || !c.IsHealthy() || c.IsExpired(p.opts.MaxLifetime) ||
		errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		c.Close()
		p.total--
		return
	}

	c.MarkIdle()
	p.idle = append(p.idle, c)
}

// watchDisconnect removes c from the pool's bookkeeping the moment its
// duplexer reports a disconnect, so a dead connection is never handed
// out from the idle list again (spec §4.8 step 5).
func (p *Pool) watchDisconnect(c *conn.Connection) {
	c.Duplexer().OnDisconnect(func(err error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.active[c.SlotID()]; ok {
			delete(p.active, c.SlotID())
			p.total--
			return
		}
		for i, idleConn := range p.idle {
			if idleConn.SlotID() == c.SlotID() {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.total--
				return
			}
		}
	})
}

// reapLoop periodically closes idle connections that have sat unused
// past IdleTimeout or outlived MaxLifetime (spec §4.8, the teacher's
// idle reaper).
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.opts.MinConnections {
		return
	}

	kept := make([]*conn.Connection, 0, len(p.idle))
	excess := len(p.idle) - p.opts.MinConnections
	for i, c := range p.idle {
		if i < excess && (c.IsIdle(p.opts.IdleTimeout) || c.IsExpired(p.opts.MaxLifetime)) {
			c.Close()
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
}

// Drain closes every idle connection and waits (bounded) for active
// ones to be returned, then closes them too (the teacher's
// TenantPool.Drain, generalized off tenant logging).
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, c := range p.idle {
		c.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for _, c := range p.active {
				c.Close()
				p.total--
			}
			p.active = make(map[int64]*conn.Connection)
			p.mu.Unlock()
			slog.Warn("pool: force-closed active connections after drain timeout")
			return
		}
	}
}

// Close stops the reaper and drains every connection. Safe to call
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.Drain(30 * time.Second)
}
