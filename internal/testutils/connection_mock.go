package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is a mock implementation of net.Conn for testing.
//
// Each Read returns at most one of the configured chunks, so tests control
// exactly how the byte stream is split. Once the chunks are exhausted, Read
// returns ReadErr, or io.EOF when ReadErr is nil.
type ConnectionMock struct {
	// WriteErr, when set, fails every Write.
	WriteErr error
	// ShortWrite, when set, makes Write accept only half of the bytes.
	ShortWrite bool
	// ReadErr is returned instead of io.EOF once the chunks run out.
	ReadErr error

	mu       sync.Mutex
	chunks   [][]byte
	writeBuf bytes.Buffer
	reads    int
	closed   bool
}

// NewConnectionMock creates a new mock connection serving the given chunks
func NewConnectionMock(chunks ...[]byte) *ConnectionMock {
	m := &ConnectionMock{}
	for _, c := range chunks {
		m.AddChunk(c)
	}
	return m
}

// AddChunk queues b to be returned by a later Read.
func (m *ConnectionMock) AddChunk(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, append([]byte(nil), b...))
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.closed {
		return 0, net.ErrClosed
	}
	if len(m.chunks) == 0 {
		if m.ReadErr != nil {
			return 0, m.ReadErr
		}
		return 0, io.EOF
	}

	n = copy(b, m.chunks[0])
	m.chunks[0] = m.chunks[0][n:]
	if len(m.chunks[0]) == 0 {
		m.chunks = m.chunks[1:]
	}
	return n, nil
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if m.ShortWrite {
		half := len(b) / 2
		m.writeBuf.Write(b[:half])
		return half, io.ErrShortWrite
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns a copy of the bytes written to the mock connection
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.writeBuf.Bytes())
}

// Reads returns the number of Read calls made so far.
func (m *ConnectionMock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
