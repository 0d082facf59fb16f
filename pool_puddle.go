package memtap

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool returns a pool backed by jackc/puddle. Puddle destroys
// connections in the background, so DestroyedConns can trail Destroy calls.
func NewPuddlePool(dial func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	p := &puddlePool{}

	inner, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: p.track(dial),
		Destructor: func(conn *Connection) {
			p.destroyed.Add(1)
			_ = conn.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.inner = inner
	return p, nil
}

type puddlePool struct {
	inner *puddle.Pool[*Connection]

	// puddle does not count these itself.
	created   atomic.Uint64
	destroyed atomic.Uint64
}

func (p *puddlePool) track(dial func(ctx context.Context) (*Connection, error)) puddle.Constructor[*Connection] {
	return func(ctx context.Context) (*Connection, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		p.created.Add(1)
		return conn, nil
	}
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	res, err := p.inner.Acquire(ctx)
	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, ErrPoolClosed
	case err != nil:
		return nil, err
	}
	return res, nil
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	idle := p.inner.AcquireAllIdle()
	out := make([]Resource, 0, len(idle))
	for _, res := range idle {
		out = append(out, res)
	}
	return out
}

func (p *puddlePool) Close() { p.inner.Close() }

// Stats reads puddle's own counters. An acquire that found no idle
// resource counts as a wait, and a cancelled acquire as an error.
func (p *puddlePool) Stats() PoolStats {
	st := p.inner.Stat()
	return PoolStats{
		AcquireCount:      uint64(st.AcquireCount()),
		AcquireWaitCount:  uint64(st.EmptyAcquireCount()),
		CreatedConns:      p.created.Load(),
		DestroyedConns:    p.destroyed.Load(),
		AcquireErrors:     uint64(st.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(st.EmptyAcquireWaitTime().Nanoseconds()),
		TotalConns:        st.TotalResources(),
		IdleConns:         st.IdleResources(),
		ActiveConns:       st.AcquiredResources(),
	}
}
