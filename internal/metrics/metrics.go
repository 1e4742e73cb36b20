// Package metrics exposes the client's own Prometheus instrumentation:
// pool occupancy gauges, query/transaction duration histograms, an
// auth-outcome counter, and dump/restore byte counters. Adapted from
// the teacher's internal/metrics.Collector, collapsed from per-tenant
// label vectors down to a single label-free instance (each Collector
// belongs to one pool, not to a set of tenants).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this client registers.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	connectionsIdle    prometheus.Gauge
	connectionsTotal   prometheus.Gauge
	connectionsWaiting prometheus.Gauge
	poolExhausted      prometheus.Counter

	queryDuration prometheus.Histogram

	transactionsTotal   prometheus.Counter
	transactionDuration prometheus.Histogram
	acquireDuration     prometheus.Histogram

	authOutcomes *prometheus.CounterVec

	dumpBytesTotal    prometheus.Counter
	restoreBytesTotal prometheus.Counter
}

// New creates and registers every metric on a fresh registry. Safe to
// call more than once (e.g. in tests) since each call owns an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gelclient_connections_active",
			Help: "Number of connections currently checked out of the pool",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gelclient_connections_idle",
			Help: "Number of idle connections held by the pool",
		}),
		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gelclient_connections_total",
			Help: "Total number of connections the pool currently holds (active + idle)",
		}),
		connectionsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gelclient_connections_waiting",
			Help: "Number of callers currently blocked waiting for admission",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gelclient_pool_exhausted_total",
			Help: "Total number of times a caller had to wait for admission",
		}),

		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gelclient_query_duration_seconds",
			Help:    "Duration of a single Query Engine request",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		transactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gelclient_transactions_total",
			Help: "Total completed (committed) transactions",
		}),
		transactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gelclient_transaction_duration_seconds",
			Help:    "Duration from the first START TRANSACTION attempt to commit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gelclient_acquire_duration_seconds",
			Help:    "Time spent waiting on the pool's admission semaphore",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gelclient_auth_outcomes_total",
			Help: "Authentication attempts by outcome",
		}, []string{"outcome"}),

		dumpBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gelclient_dump_bytes_total",
			Help: "Total bytes written to dump containers",
		}),
		restoreBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gelclient_restore_bytes_total",
			Help: "Total bytes read from restore containers",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.queryDuration,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.authOutcomes,
		c.dumpBytesTotal,
		c.restoreBytesTotal,
	)

	return c
}

// UpdatePoolStats sets the four pool occupancy gauges from a snapshot.
func (c *Collector) UpdatePoolStats(active, idle, total, waiting int) {
	c.connectionsActive.Set(float64(active))
	c.connectionsIdle.Set(float64(idle))
	c.connectionsTotal.Set(float64(total))
	c.connectionsWaiting.Set(float64(waiting))
}

// PoolExhausted increments the admission-wait counter.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// QueryDuration observes one Query Engine request's duration.
func (c *Collector) QueryDuration(d time.Duration) {
	c.queryDuration.Observe(d.Seconds())
}

// TransactionCompleted records a committed transaction and its duration.
func (c *Collector) TransactionCompleted(d time.Duration) {
	c.transactionsTotal.Inc()
	c.transactionDuration.Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for pool admission.
func (c *Collector) AcquireDuration(d time.Duration) {
	c.acquireDuration.Observe(d.Seconds())
}

// AuthOutcome records an authentication attempt's result ("success" or
// "failure").
func (c *Collector) AuthOutcome(outcome string) {
	c.authOutcomes.WithLabelValues(outcome).Inc()
}

// DumpBytes adds n to the dump byte counter.
func (c *Collector) DumpBytes(n int64) {
	c.dumpBytesTotal.Add(float64(n))
}

// RestoreBytes adds n to the restore byte counter.
func (c *Collector) RestoreBytes(n int64) {
	c.restoreBytesTotal.Add(float64(n))
}
