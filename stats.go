package memtap

import (
	"sync/atomic"
	"time"
)

// PoolStats is a point-in-time view of one connection pool.
//
// Counters only grow for the life of the pool. TotalConns, IdleConns and
// ActiveConns are gauges. The layout keeps the struct within 64 bytes.
type PoolStats struct {
	AcquireCount      uint64
	AcquireWaitCount  uint64 // acquires that blocked on a full pool
	CreatedConns      uint64
	DestroyedConns    uint64
	AcquireErrors     uint64
	AcquireWaitTimeNs uint64

	TotalConns  int32
	IdleConns   int32
	ActiveConns int32
	_           int32
}

// AverageWait is the mean time an acquire spent blocked, or zero when no
// acquire ever blocked.
func (s PoolStats) AverageWait() time.Duration {
	if s.AcquireWaitCount == 0 {
		return 0
	}
	return time.Duration(s.AcquireWaitTimeNs / s.AcquireWaitCount)
}

// ClientStats counts client operations. Get covers Get and GetK. Errors
// counts failed operations of any kind, including rejected keys.
type ClientStats struct {
	Gets     uint64
	GetHits  uint64
	Sets     uint64
	Adds     uint64
	Replaces uint64
	Deletes  uint64
	Errors   uint64
	_        uint64
}

// HitRatio is GetHits over Gets.
func (s ClientStats) HitRatio() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.GetHits) / float64(s.Gets)
}

type poolCounters struct {
	acquires    atomic.Uint64
	waits       atomic.Uint64
	waitNs      atomic.Uint64
	created     atomic.Uint64
	destroyed   atomic.Uint64
	acquireErrs atomic.Uint64

	total  atomic.Int32
	idle   atomic.Int32
	active atomic.Int32
}

func (c *poolCounters) acquireStarted() { c.acquires.Add(1) }
func (c *poolCounters) acquireFailed() { c.acquireErrs.Add(1) }

func (c *poolCounters) waited(d time.Duration) {
	c.waits.Add(1)
	c.waitNs.Add(uint64(d.Nanoseconds()))
}

// opened records a new connection handed straight to a caller.
func (c *poolCounters) opened() {
	c.created.Add(1)
	c.total.Add(1)
	c.active.Add(1)
}

// checkedOut moves a connection from idle to active.
func (c *poolCounters) checkedOut() {
	c.idle.Add(-1)
	c.active.Add(1)
}

// checkedIn moves a connection from active to idle.
func (c *poolCounters) checkedIn() {
	c.active.Add(-1)
	c.idle.Add(1)
}

// closed records the end of a connection that was idle or active.
func (c *poolCounters) closed(wasIdle bool) {
	c.destroyed.Add(1)
	c.total.Add(-1)
	if wasIdle {
		c.idle.Add(-1)
	} else {
		c.active.Add(-1)
	}
}

func (c *poolCounters) snapshot() PoolStats {
	return PoolStats{
		AcquireCount:      c.acquires.Load(),
		AcquireWaitCount:  c.waits.Load(),
		CreatedConns:      c.created.Load(),
		DestroyedConns:    c.destroyed.Load(),
		AcquireErrors:     c.acquireErrs.Load(),
		AcquireWaitTimeNs: c.waitNs.Load(),
		TotalConns:        c.total.Load(),
		IdleConns:         c.idle.Load(),
		ActiveConns:       c.active.Load(),
	}
}

type clientCounters struct {
	gets, hits, sets, adds, replaces, deletes, errors atomic.Uint64
}

func (c *clientCounters) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.hits.Add(1)
	}
}

func (c *clientCounters) recordSet() { c.sets.Add(1) }
func (c *clientCounters) recordAdd() { c.adds.Add(1) }
func (c *clientCounters) recordReplace() { c.replaces.Add(1) }
func (c *clientCounters) recordDelete() { c.deletes.Add(1) }
func (c *clientCounters) recordError() { c.errors.Add(1) }

func (c *clientCounters) snapshot() ClientStats {
	return ClientStats{
		Gets:     c.gets.Load(),
		GetHits:  c.hits.Load(),
		Sets:     c.sets.Load(),
		Adds:     c.adds.Load(),
		Replaces: c.replaces.Load(),
		Deletes:  c.deletes.Load(),
		Errors:   c.errors.Load(),
	}
}
