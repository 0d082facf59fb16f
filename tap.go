package memtap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pior/memtap/binprot"
)

// ErrTapNotSupported is returned when the server answers TAP_CONNECT instead
// of streaming: servers that understand TAP never reply to it.
var ErrTapNotSupported = errors.New("memtap: tap protocol not supported by server")

// TapStream reads the mutations a server pushes after TAP_CONNECT.
//
// Mutations are not acknowledged. The stream ends when the server closes the
// connection, which it does once the requested vbuckets were dumped.
type TapStream struct {
	conn     *Connection
	vbuckets []uint16
	logger   *slog.Logger

	mutations uint64
	bytes     uint64
}

// OpenTapStream sends TAP_CONNECT on conn for the given vbuckets, or for all
// vbuckets when the list is empty. The stream owns conn from then on.
func OpenTapStream(ctx context.Context, conn *Connection, vbuckets []uint16, logger *slog.Logger) (*TapStream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := conn.setWriteDeadline(ctx); err != nil {
		return nil, err
	}
	if err := conn.Send(binprot.NewTapConnectRequest(vbuckets)); err != nil {
		return nil, err
	}

	logger.Debug("tap stream opened", "server", conn.RemoteAddr().String(), "vbuckets", len(vbuckets))
	return &TapStream{conn: conn, vbuckets: vbuckets, logger: logger}, nil
}

// Next returns the next mutation. It returns io.EOF when the server closed
// the stream, ErrTapNotSupported when the server replied to TAP_CONNECT and
// an error wrapping ErrUnexpectedMessage for any other message.
func (s *TapStream) Next(ctx context.Context) (*binprot.TapMutateRequest, error) {
	msg, err := ReceiveMessage(ctx, s.conn)
	if err != nil {
		var unsupported *binprot.UnsupportedOperationError
		switch {
		case errors.Is(err, ErrDisconnected):
			s.logger.Debug("tap stream completed", "mutations", s.mutations, "bytes", s.bytes)
			return nil, io.EOF
		case errors.As(err, &unsupported) && unsupported.Opcode == binprot.OpTapConnect && unsupported.Response:
			return nil, ErrTapNotSupported
		}
		return nil, err
	}

	mutate, ok := msg.(*binprot.TapMutateRequest)
	if !ok {
		meta := msg.Metadata()
		return nil, fmt.Errorf("%w: %s during tap stream", ErrUnexpectedMessage, meta.Opcode)
	}

	s.mutations++
	s.bytes += uint64(binprot.EncodedLen(mutate))
	return mutate, nil
}

// VBuckets returns the vbuckets the stream was opened for.
func (s *TapStream) VBuckets() []uint16 {
	return s.vbuckets
}

// Close closes the underlying connection.
func (s *TapStream) Close() error {
	return s.conn.Close()
}
