package memtap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/pior/memtap/internal"
	"github.com/pior/memtap/internal/coarsetime"
)

var (
	// ErrDisconnected is returned when using a connection after the peer
	// closed it or after a write failed.
	ErrDisconnected = errors.New("memtap: connection disconnected")

	// ErrUnexpectedMessage is returned when the peer sends a message that
	// does not answer the pending request.
	ErrUnexpectedMessage = errors.New("memtap: unexpected message")
)

const (
	initialReadBufferSize = 4096
	readChunkSize         = 4096
)

var sendBuffers = internal.NewByteBufferPool(1024, 1<<20)

// ReceiveStatus is the outcome of a single Receive call.
type ReceiveStatus int

const (
	// ReceiveOK means the read succeeded. A message is returned only when a
	// whole one was buffered.
	ReceiveOK ReceiveStatus = iota
	// ReceiveDisconnected means the peer closed the connection. It is final.
	ReceiveDisconnected
	// ReceiveError means the read failed or the buffered bytes did not decode.
	ReceiveError
)

func (s ReceiveStatus) String() string {
	switch s {
	case ReceiveOK:
		return "ok"
	case ReceiveDisconnected:
		return "disconnected"
	case ReceiveError:
		return "error"
	}
	return fmt.Sprintf("ReceiveStatus(%d)", int(s))
}

// State of a Connection.
type State int

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Role tells which side opened the connection. Both roles behave the same.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

// Connection exchanges binary protocol messages over a net.Conn.
//
// Received bytes accumulate in an owned buffer and leave it only as whole
// messages, from the front. A Connection is not safe for concurrent use.
type Connection struct {
	conn  net.Conn
	role  Role
	state State

	buf   []byte // received bytes live in buf[start:end]
	start int
	end   int

	opaque   uint32
	lastUsed time.Time
}

// NewConnection wraps a socket opened by this side.
func NewConnection(conn net.Conn) *Connection {
	return newConnection(conn, RoleInitiator)
}

// NewServerConnection wraps a socket accepted from a listener.
func NewServerConnection(conn net.Conn) *Connection {
	return newConnection(conn, RoleAcceptor)
}

func newConnection(conn net.Conn, role Role) *Connection {
	return &Connection{
		conn:     conn,
		role:     role,
		state:    StateConnected,
		lastUsed: coarsetime.Now(),
	}
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

// Accept waits for the next connection on ln.
func Accept(ln net.Listener) (*Connection, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewServerConnection(conn), nil
}

func (c *Connection) State() State { return c.state }

func (c *Connection) Role() Role { return c.role }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LastUsed returns when a message was last sent or received.
func (c *Connection) LastUsed() time.Time { return c.lastUsed }

// Buffered returns the number of received bytes not yet returned as messages.
func (c *Connection) Buffered() int { return c.end - c.start }

// Send encodes msg and writes it. Any write failure, including a short
// write, closes the connection. A message whose lengths do not fit the
// header is rejected before anything is written.
func (c *Connection) Send(msg binprot.Message) error {
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	if err := binprot.CheckLengths(msg); err != nil {
		return err
	}

	buf := sendBuffers.Get()
	defer sendBuffers.Put(buf)

	buf.Write(binprot.AppendMessage(buf.AvailableBuffer(), msg))

	n, err := c.conn.Write(buf.Bytes())
	if err == nil && n < buf.Len() {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.disconnect()
		return &binprot.ConnectionError{Op: "write", Err: err}
	}

	c.lastUsed = coarsetime.Now()
	return nil
}

// Receive returns the next message if one is already buffered. Otherwise it
// performs exactly one read and returns a message if that read completed one.
//
// ReceiveOK with a nil message means more bytes are needed, or that the
// context deadline passed before any arrived. ReceiveDisconnected drops any
// partial message. On ReceiveError the error is a *binprot.ConnectionError
// for read failures, or a binprot protocol error for undecodable bytes.
//
// Read failures and malformed messages close the connection. A well framed
// message with an unsupported opcode is dropped and the connection stays
// usable.
func (c *Connection) Receive(ctx context.Context) (ReceiveStatus, binprot.Message, error) {
	if c.state == StateDisconnected {
		return ReceiveDisconnected, nil, nil
	}

	if msg, err := c.popMessage(); msg != nil || err != nil {
		if err != nil {
			return ReceiveError, nil, err
		}
		return ReceiveOK, msg, nil
	}

	n, err := c.read(ctx)
	if n == 0 {
		switch {
		case err == nil, errors.Is(err, io.EOF):
			c.disconnect()
			return ReceiveDisconnected, nil, nil
		case isTimeout(err), ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return ReceiveOK, nil, nil
		default:
			c.disconnect()
			return ReceiveError, nil, &binprot.ConnectionError{Op: "read", Err: err}
		}
	}

	msg, err := c.popMessage()
	if err != nil {
		return ReceiveError, nil, err
	}
	return ReceiveOK, msg, nil
}

// popMessage decodes the message at the front of the buffer, if complete.
func (c *Connection) popMessage() (binprot.Message, error) {
	pending := c.buf[c.start:c.end]
	info, ok := binprot.IsMessageComplete(pending)
	if !ok {
		return nil, nil
	}

	msg, n, err := binprot.Decode(pending)
	if err != nil {
		var unsupported *binprot.UnsupportedOperationError
		if errors.As(err, &unsupported) {
			c.consume(info.Len())
			return nil, err
		}
		c.disconnect()
		return nil, err
	}

	c.consume(n)
	c.lastUsed = coarsetime.Now()
	return msg, nil
}

func (c *Connection) consume(n int) {
	c.start += n
	if c.start == c.end {
		c.start, c.end = 0, 0
	}
}

// read performs a single read into the free space of the buffer.
func (c *Connection) read(ctx context.Context) (int, error) {
	c.reserve(readChunkSize)

	if err := c.setReadDeadline(ctx); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock the read on cancellation.
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := c.conn.Read(c.buf[c.end:cap(c.buf)])
	c.end += n
	return n, err
}

func (c *Connection) setReadDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return c.conn.SetReadDeadline(deadline)
}

// reserve makes room for at least n more bytes after c.end, first by moving
// the pending bytes to the front of the buffer, then by growing it.
func (c *Connection) reserve(n int) {
	if c.start > 0 {
		c.end = copy(c.buf[:cap(c.buf)], c.buf[c.start:c.end])
		c.start = 0
	}
	if cap(c.buf)-c.end >= n {
		c.buf = c.buf[:cap(c.buf)]
		return
	}

	size := max(initialReadBufferSize, 2*cap(c.buf), c.end+n)
	grown := make([]byte, size)
	copy(grown, c.buf[:c.end])
	c.buf = grown
}

// RoundTrip sends req with a fresh opaque and waits for its response.
//
// The response must be a response for the same opcode carrying the same
// opaque, otherwise ErrUnexpectedMessage is returned. A non-zero status is
// returned as a message, not as an error.
func (c *Connection) RoundTrip(ctx context.Context, req binprot.Message) (binprot.Message, error) {
	c.opaque++
	meta := req.Metadata()
	meta.Opaque = c.opaque

	if err := c.setWriteDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.Send(req); err != nil {
		return nil, err
	}

	rsp, err := ReceiveMessage(ctx, c)
	if err != nil {
		return nil, err
	}

	got := rsp.Metadata()
	if rsp.IsRequest() || got.Opcode != meta.Opcode || got.Opaque != meta.Opaque {
		return nil, fmt.Errorf("%w: %s opaque %d in reply to %s opaque %d",
			ErrUnexpectedMessage, got.Opcode, got.Opaque, meta.Opcode, meta.Opaque)
	}
	return rsp, nil
}

func (c *Connection) setWriteDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return c.conn.SetWriteDeadline(deadline)
}

// Close closes the socket. The connection cannot be used afterwards.
func (c *Connection) Close() error {
	if c.state == StateDisconnected {
		return nil
	}
	c.state = StateDisconnected
	c.buf, c.start, c.end = nil, 0, 0
	return c.conn.Close()
}

func (c *Connection) disconnect() {
	_ = c.Close()
}

// ReceiveMessage calls Receive until a message arrives.
//
// It returns ErrDisconnected when the peer closes the connection, and the
// context error when ctx is done first.
func ReceiveMessage(ctx context.Context, c *Connection) (binprot.Message, error) {
	for {
		status, msg, err := c.Receive(ctx)
		switch status {
		case ReceiveDisconnected:
			return nil, ErrDisconnected
		case ReceiveError:
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
