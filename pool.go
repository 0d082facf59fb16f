package memtap

import (
	"context"
	"errors"
	"time"
)

var ErrPoolClosed = errors.New("memtap: pool closed")

// Pool hands out connections to one server, one goroutine at a time.
type Pool interface {
	// Acquire returns an idle connection or creates one, waiting for a
	// release when the pool is at capacity.
	Acquire(ctx context.Context) (Resource, error)
	// AcquireAllIdle takes every idle connection, for health checks.
	AcquireAllIdle() []Resource
	Close()
	Stats() PoolStats
}

// Resource is a pooled connection.
type Resource interface {
	Value() *Connection
	// Release returns the connection to the pool.
	Release()
	// ReleaseUnused returns the connection without touching its last use time.
	ReleaseUnused()
	// Destroy closes the connection and removes it from the pool.
	Destroy()
	CreationTime() time.Time
	IdleDuration() time.Duration
}

// PoolFactory builds a pool of at most maxSize connections.
type PoolFactory func(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)
