package promexporter

import (
	"github.com/pior/memtap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// ClientSource is the part of *memtap.Client read at scrape time.
type ClientSource interface {
	Stats() memtap.ClientStats
	AllPoolStats() []memtap.ServerPoolStats
}

// ClientCollector exposes client and pool statistics. Values are read from
// the client snapshots on every scrape, so counters stay monotonic without
// any bookkeeping here.
type ClientCollector struct {
	source ClientSource

	opsTotal     *prometheus.Desc
	getHits      *prometheus.Desc
	errorsTotal  *prometheus.Desc
	circuitState *prometheus.Desc
	circuitCount *prometheus.Desc
	poolConns    *prometheus.Desc
	poolCreated  *prometheus.Desc
	poolDestroy  *prometheus.Desc
	poolAcquires *prometheus.Desc
	poolWaits    *prometheus.Desc
	poolWaitTime *prometheus.Desc
	poolErrors   *prometheus.Desc
}

// NewClientCollector creates a collector over source.
func NewClientCollector(source ClientSource) *ClientCollector {
	return &ClientCollector{
		source: source,

		opsTotal: prometheus.NewDesc(
			"memtap_operations_total",
			"Total number of client operations",
			[]string{"operation"}, // get, set, add, replace, delete
			nil,
		),
		getHits: prometheus.NewDesc(
			"memtap_get_hits_total",
			"Gets that found the key",
			nil, nil,
		),
		errorsTotal: prometheus.NewDesc(
			"memtap_errors_total",
			"Total errors across all operations",
			nil, nil,
		),
		circuitState: prometheus.NewDesc(
			"memtap_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)",
			[]string{"server"}, nil,
		),
		circuitCount: prometheus.NewDesc(
			"memtap_circuit_breaker_failures",
			"Circuit breaker failure counts in the current interval",
			[]string{"server", "type"}, // total, consecutive
			nil,
		),
		poolConns: prometheus.NewDesc(
			"memtap_pool_connections",
			"Connection pool statistics",
			[]string{"server", "state"}, // total, active, idle
			nil,
		),
		poolCreated: prometheus.NewDesc(
			"memtap_pool_connections_created_total",
			"Total connections created",
			[]string{"server"}, nil,
		),
		poolDestroy: prometheus.NewDesc(
			"memtap_pool_connections_destroyed_total",
			"Total connections destroyed",
			[]string{"server"}, nil,
		),
		poolAcquires: prometheus.NewDesc(
			"memtap_pool_acquires_total",
			"Total connection acquire attempts",
			[]string{"server"}, nil,
		),
		poolWaits: prometheus.NewDesc(
			"memtap_pool_acquire_waits_total",
			"Acquires that had to wait for a connection",
			[]string{"server"}, nil,
		),
		poolWaitTime: prometheus.NewDesc(
			"memtap_pool_acquire_wait_seconds_total",
			"Total time spent waiting for a connection",
			[]string{"server"}, nil,
		),
		poolErrors: prometheus.NewDesc(
			"memtap_pool_acquire_errors_total",
			"Total connection acquire errors",
			[]string{"server"}, nil,
		),
	}
}

func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsTotal
	ch <- c.getHits
	ch <- c.errorsTotal
	ch <- c.circuitState
	ch <- c.circuitCount
	ch <- c.poolConns
	ch <- c.poolCreated
	ch <- c.poolDestroy
	ch <- c.poolAcquires
	ch <- c.poolWaits
	ch <- c.poolWaitTime
	ch <- c.poolErrors
}

func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	counter(c.opsTotal, stats.Gets, "get")
	counter(c.opsTotal, stats.Sets, "set")
	counter(c.opsTotal, stats.Adds, "add")
	counter(c.opsTotal, stats.Replaces, "replace")
	counter(c.opsTotal, stats.Deletes, "delete")
	counter(c.getHits, stats.GetHits)
	counter(c.errorsTotal, stats.Errors)

	for _, ps := range c.source.AllPoolStats() {
		server := ps.Addr
		pool := ps.PoolStats

		gauge(c.poolConns, float64(pool.TotalConns), server, "total")
		gauge(c.poolConns, float64(pool.ActiveConns), server, "active")
		gauge(c.poolConns, float64(pool.IdleConns), server, "idle")
		counter(c.poolCreated, pool.CreatedConns, server)
		counter(c.poolDestroy, pool.DestroyedConns, server)
		counter(c.poolAcquires, pool.AcquireCount, server)
		counter(c.poolWaits, pool.AcquireWaitCount, server)
		ch <- prometheus.MustNewConstMetric(c.poolWaitTime, prometheus.CounterValue, float64(pool.AcquireWaitTimeNs)/1e9, server)
		counter(c.poolErrors, pool.AcquireErrors, server)

		gauge(c.circuitState, circuitStateValue(ps.CircuitBreakerState), server)
		gauge(c.circuitCount, float64(ps.CircuitBreakerCounts.TotalFailures), server, "total")
		gauge(c.circuitCount, float64(ps.CircuitBreakerCounts.ConsecutiveFailures), server, "consecutive")
	}
}

func circuitStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
