package memtap

import (
	"context"
	"sync"
	"time"

	"github.com/pior/memtap/internal/coarsetime"
)

// NewChannelPool returns the default pool: idle connections wait in a
// buffered channel of capacity maxSize, and callers block on that channel
// once maxSize connections are open.
func NewChannelPool(dial func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	return &channelPool{
		dial:  dial,
		limit: maxSize,
		idle:  make(chan *pooledConn, maxSize),
	}, nil
}

type channelPool struct {
	dial  func(ctx context.Context) (*Connection, error)
	limit int32
	idle  chan *pooledConn

	// mu guards open and shut, and orders sends on idle against its close.
	mu   sync.Mutex
	open int32
	shut bool

	counters poolCounters
}

type pooledConn struct {
	conn    *Connection
	owner   *channelPool
	born    time.Time
	touched time.Time
}

func (pc *pooledConn) Value() *Connection { return pc.conn }
func (pc *pooledConn) CreationTime() time.Time { return pc.born }
func (pc *pooledConn) IdleDuration() time.Duration { return coarsetime.Since(pc.touched) }

func (pc *pooledConn) Release() {
	pc.touched = coarsetime.Now()
	pc.owner.checkIn(pc)
}

// ReleaseUnused keeps the idle clock running, so health checks do not
// count as use.
func (pc *pooledConn) ReleaseUnused() { pc.owner.checkIn(pc) }

func (pc *pooledConn) Destroy() {
	pc.conn.Close()
	pc.owner.forget(false)
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.counters.acquireStarted()

	if pc, ok := p.takeIdle(); ok {
		return pc, nil
	}

	reserved, err := p.reserve()
	if err != nil {
		p.counters.acquireFailed()
		return nil, err
	}
	if reserved {
		return p.connect(ctx)
	}

	start := time.Now()
	select {
	case pc, ok := <-p.idle:
		if !ok {
			p.counters.acquireFailed()
			return nil, ErrPoolClosed
		}
		p.counters.waited(time.Since(start))
		p.counters.checkedOut()
		return pc, nil
	case <-ctx.Done():
		p.counters.acquireFailed()
		return nil, ctx.Err()
	}
}

func (p *channelPool) takeIdle() (*pooledConn, bool) {
	select {
	case pc, ok := <-p.idle:
		if ok {
			p.counters.checkedOut()
		}
		return pc, ok
	default:
		return nil, false
	}
}

// reserve claims a slot for a new connection. It reports false when the
// pool is at its limit.
func (p *channelPool) reserve() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return false, ErrPoolClosed
	}
	if p.open >= p.limit {
		return false, nil
	}
	p.open++
	return true, nil
}

func (p *channelPool) connect(ctx context.Context) (Resource, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.counters.acquireFailed()
		return nil, err
	}
	p.counters.opened()

	now := coarsetime.Now()
	return &pooledConn{conn: conn, owner: p, born: now, touched: now}, nil
}

func (p *channelPool) checkIn(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shut {
		select {
		case p.idle <- pc:
			p.counters.checkedIn()
			return
		default:
		}
	}
	pc.conn.Close()
	p.open--
	p.counters.closed(false)
}

func (p *channelPool) forget(wasIdle bool) {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.counters.closed(wasIdle)
}

func (p *channelPool) AcquireAllIdle() []Resource {
	var taken []Resource
	for {
		pc, ok := p.takeIdle()
		if !ok {
			return taken
		}
		taken = append(taken, pc)
	}
}

// Close shuts idle connections now. Active ones are closed on release.
func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return
	}
	p.shut = true

	close(p.idle)
	for pc := range p.idle {
		pc.conn.Close()
		p.open--
		p.counters.closed(true)
	}
}

func (p *channelPool) Stats() PoolStats { return p.counters.snapshot() }
