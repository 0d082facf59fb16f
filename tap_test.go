package memtap

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapStream_ReadsUntilClose(t *testing.T) {
	addr, connects := startTapServer(t,
		newMutation("a", "1", 10),
		newMutation("b", "2", 20),
		newMutation("c", "3", 30),
	)

	conn, ctx := dialTest(t, addr)
	stream, err := OpenTapStream(ctx, conn, []uint16{1, 2, 3}, nil)
	require.NoError(t, err)
	defer stream.Close()

	var keys []string
	for {
		m, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, string(m.Key))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, []uint16{1, 2, 3}, stream.VBuckets())

	select {
	case req := <-connects:
		assert.Equal(t, []uint16{1, 2, 3}, req.VBuckets)
		assert.Equal(t, binprot.TapFlagDump|binprot.TapFlagListVBuckets, req.Flags)
	case <-time.After(time.Second):
		t.Fatal("no TAP_CONNECT received")
	}
}

func TestTapStream_AllVBuckets(t *testing.T) {
	addr, connects := startTapServer(t)

	conn, ctx := dialTest(t, addr)
	stream, err := OpenTapStream(ctx, conn, nil, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	req := <-connects
	assert.Empty(t, req.VBuckets)
	assert.Equal(t, binprot.TapFlagDump, req.Flags)
}

// serveRaw accepts one connection, reads one message and writes reply.
func serveRaw(t *testing.T, reply []byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := Accept(ln)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := ReceiveMessage(ctx, conn); err != nil {
			return
		}

		raw := conn.conn
		raw.Write(reply)
		// Wait for the client to hang up.
		raw.Read(make([]byte, 1))
	}()

	return ln.Addr().String()
}

func TestTapStream_NotSupported(t *testing.T) {
	h := binprot.Header{
		Magic:           binprot.MagicResponse,
		Opcode:          binprot.OpTapConnect,
		VBucketOrStatus: uint16(binprot.StatusUnknownCommand),
	}
	addr := serveRaw(t, h.AppendTo(nil))

	conn, ctx := dialTest(t, addr)
	stream, err := OpenTapStream(ctx, conn, []uint16{0}, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrTapNotSupported)
}

func TestTapStream_UnexpectedMessage(t *testing.T) {
	addr := serveRaw(t, binprot.Encode(binprot.NewResponseFor(binprot.NewVersionRequest(), binprot.StatusNoError)))

	conn, ctx := dialTest(t, addr)
	stream, err := OpenTapStream(ctx, conn, []uint16{0}, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}
