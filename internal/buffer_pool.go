package internal

import (
	"bytes"
	"sync"
)

// ByteBufferPool recycles the buffers messages are encoded into before they
// are written to a socket.
type ByteBufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewByteBufferPool returns a pool of buffers with initialSize capacity.
// Buffers that grew past maxSize are dropped instead of being recycled.
func NewByteBufferPool(initialSize, maxSize int) *ByteBufferPool {
	return &ByteBufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

func (p *ByteBufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *ByteBufferPool) Put(buf *bytes.Buffer) {
	if p.maxSize > 0 && buf.Cap() > p.maxSize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
