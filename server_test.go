package memtap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, addr string) (*Connection, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	conn, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, ctx
}

func TestServer_GetAndStore(t *testing.T) {
	conn, ctx := dialTest(t, startServer(t, newMemoryHandler()))

	msg, err := conn.RoundTrip(ctx, binprot.NewGetRequest("k", 0))
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusKeyNotFound, msg.(*binprot.GetResponse).Status)

	msg, err = conn.RoundTrip(ctx, binprot.NewAddRequest("k", 0, []byte("v"), 9, 0))
	require.NoError(t, err)
	stored := msg.(*binprot.StoreResponse)
	require.NoError(t, stored.Err())
	assert.NotZero(t, stored.CAS)

	msg, err = conn.RoundTrip(ctx, binprot.NewGetRequest("k", 0))
	require.NoError(t, err)
	rsp := msg.(*binprot.GetResponse)
	assert.Equal(t, binprot.StatusNoError, rsp.Status)
	assert.Equal(t, []byte("v"), rsp.Value)
	assert.Equal(t, uint32(9), rsp.Flags)
	assert.Equal(t, stored.CAS, rsp.CAS)
	assert.Nil(t, rsp.Key, "GET does not echo the key")

	msg, err = conn.RoundTrip(ctx, binprot.NewAddRequest("k", 0, []byte("w"), 0, 0))
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusKeyExists, msg.(*binprot.StoreResponse).Status)
}

func TestServer_GetKEchoesKey(t *testing.T) {
	handler := newMemoryHandler()
	handler.put(Item{Key: "k", Value: []byte("v")})
	conn, ctx := dialTest(t, startServer(t, handler))

	msg, err := conn.RoundTrip(ctx, binprot.NewGetKRequest("k", 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), msg.(*binprot.GetResponse).Key)

	// A miss echoes the key too.
	msg, err = conn.RoundTrip(ctx, binprot.NewGetKRequest("missing", 0))
	require.NoError(t, err)
	rsp := msg.(*binprot.GetResponse)
	assert.Equal(t, binprot.StatusKeyNotFound, rsp.Status)
	assert.Equal(t, []byte("missing"), rsp.Key)
}

func TestServer_Delete(t *testing.T) {
	handler := newMemoryHandler()
	handler.put(Item{Key: "k", Value: []byte("v")})
	conn, ctx := dialTest(t, startServer(t, handler))

	msg, err := conn.RoundTrip(ctx, binprot.NewDeleteRequest("k", 0))
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusNoError, msg.(*binprot.DeleteResponse).Status)

	msg, err = conn.RoundTrip(ctx, binprot.NewDeleteRequest("k", 0))
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusKeyNotFound, msg.(*binprot.DeleteResponse).Status)
}

func TestServer_Version(t *testing.T) {
	conn, ctx := dialTest(t, startServer(t, newMemoryHandler()))

	msg, err := conn.RoundTrip(ctx, binprot.NewVersionRequest())
	require.NoError(t, err)
	assert.Equal(t, "test-1.0", msg.(*binprot.VersionResponse).Version)
}

func TestServer_DefaultVersion(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{Handler: newMemoryHandler()}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	conn, ctx := dialTest(t, ln.Addr().String())
	msg, err := conn.RoundTrip(ctx, binprot.NewVersionRequest())
	require.NoError(t, err)
	assert.Equal(t, DefaultServerVersion, msg.(*binprot.VersionResponse).Version)
}

func TestServer_ClosesConnection(t *testing.T) {
	tests := []struct {
		name string
		msg  binprot.Message
	}{
		{"quit", binprot.NewQuitRequest()},
		{"set vbucket", binprot.NewSetVBucketRequest(1, binprot.VBucketActive)},
		{"tap connect", binprot.NewTapConnectRequest(nil)},
		{"response", binprot.NewResponseFor(binprot.NewGetRequest("k", 0), binprot.StatusNoError)},
	}

	addr := startServer(t, newMemoryHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, ctx := dialTest(t, addr)

			require.NoError(t, conn.Send(tt.msg))

			_, err := ReceiveMessage(ctx, conn)
			assert.ErrorIs(t, err, ErrDisconnected)
		})
	}
}

func TestServer_ClosesOnGarbage(t *testing.T) {
	addr := startServer(t, newMemoryHandler())

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	frame := binprot.Encode(binprot.NewVersionRequest())
	frame[1] = 0xEE
	_, err = raw.Write(frame)
	require.NoError(t, err)

	conn := NewConnection(raw)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = ReceiveMessage(ctx, conn)
	assert.ErrorIs(t, err, ErrDisconnected)
}

type failingHandler struct{ memoryHandler }

func (*failingHandler) Get(context.Context, string) (Item, error) {
	return Item{}, errors.New("backend down")
}

func TestServer_HandlerErrorIsTemporaryFailure(t *testing.T) {
	conn, ctx := dialTest(t, startServer(t, &failingHandler{}))

	msg, err := conn.RoundTrip(ctx, binprot.NewGetRequest("k", 0))
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusTemporaryFailure, msg.(*binprot.GetResponse).Status)

	// The connection stays usable.
	msg, err = conn.RoundTrip(ctx, binprot.NewVersionRequest())
	require.NoError(t, err)
	assert.Equal(t, binprot.StatusNoError, msg.(*binprot.VersionResponse).Status)
}

func TestServer_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{Handler: newMemoryHandler()}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	// An idle connection must not block shutdown.
	conn, _ := dialTest(t, ln.Addr().String())
	_, err = conn.RoundTrip(context.Background(), binprot.NewVersionRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
}

func TestServer_ProxiesToClient(t *testing.T) {
	backend := newMemoryHandler()
	client := newTestClient(t, startServer(t, backend))

	proxy := startServer(t, ClientHandler{Client: client})
	front := newTestClient(t, proxy)
	ctx := context.Background()

	_, err := front.Set(ctx, Item{Key: "k", Value: []byte("v"), Flags: 3})
	require.NoError(t, err)

	stored, ok := backend.item("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), stored.Value)
	assert.Equal(t, uint32(3), stored.Flags)

	item, err := front.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), item.Value)

	_, err = front.Add(ctx, Item{Key: "k", Value: []byte("w")})
	assert.ErrorIs(t, err, binprot.ErrKeyExists)

	require.NoError(t, front.Delete(ctx, "k"))
	assert.ErrorIs(t, front.Delete(ctx, "k"), binprot.ErrKeyNotFound)
}
