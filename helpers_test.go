package memtap

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/stretchr/testify/require"
)

// memoryHandler is an in-memory Handler with memcached's store semantics.
type memoryHandler struct {
	mu    sync.Mutex
	items map[string]Item
	cas   uint64
}

func newMemoryHandler() *memoryHandler {
	return &memoryHandler{items: map[string]Item{}}
}

func (h *memoryHandler) Get(_ context.Context, key string) (Item, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[key]
	if !ok {
		return Item{Key: key}, nil
	}
	return item, nil
}

func (h *memoryHandler) Store(_ context.Context, op binprot.Opcode, item Item) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.items[item.Key]
	switch op {
	case binprot.OpAdd:
		if exists {
			return 0, binprot.ErrKeyExists
		}
	case binprot.OpReplace:
		if !exists {
			return 0, binprot.ErrKeyNotFound
		}
	}
	if item.CAS != 0 && (!exists || current.CAS != item.CAS) {
		return 0, binprot.ErrKeyExists
	}

	h.cas++
	item.CAS = h.cas
	item.Found = true
	h.items[item.Key] = item
	return item.CAS, nil
}

func (h *memoryHandler) Delete(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.items[key]; !ok {
		return binprot.ErrKeyNotFound
	}
	delete(h.items, key)
	return nil
}

func (h *memoryHandler) put(item Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cas++
	item.CAS = h.cas
	item.Found = true
	h.items[item.Key] = item
}

func (h *memoryHandler) item(key string) (Item, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[key]
	return item, ok
}

// startServer runs a Server over handler on a loopback port.
func startServer(t testing.TB, handler Handler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{Handler: handler, Version: "test-1.0"}
	go srv.Serve(ln)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return ln.Addr().String()
}

// startTapServer accepts tap connections and streams mutations to each,
// then closes. The TAP_CONNECT requests received are sent on the returned
// channel.
func startTapServer(t *testing.T, mutations ...*binprot.TapMutateRequest) (string, <-chan *binprot.TapConnectRequest) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	connects := make(chan *binprot.TapConnectRequest, 16)
	go func() {
		for {
			conn, err := Accept(ln)
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				msg, err := ReceiveMessage(ctx, conn)
				if err != nil {
					return
				}
				if req, ok := msg.(*binprot.TapConnectRequest); ok {
					connects <- req
				}
				for _, m := range mutations {
					if conn.Send(m) != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), connects
}

func newMutation(key, value string, flags uint32) *binprot.TapMutateRequest {
	m := &binprot.TapMutateRequest{Flags: flags, Value: []byte(value)}
	m.Opcode = binprot.OpTapMutate
	m.Key = []byte(key)
	return m
}

// keyInVBucket returns a key with the given prefix that hashes to vbucket.
func keyInVBucket(t *testing.T, prefix string, vbucket uint16, vbuckets int) string {
	t.Helper()
	for i := range 100000 {
		key := prefix + "-" + itoa(i)
		if binprot.VBucketForKey([]byte(key), vbuckets) == vbucket {
			return key
		}
	}
	t.Fatalf("no key found for vbucket %d", vbucket)
	return ""
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for ; i > 0; i /= 10 {
		b = append([]byte{byte('0' + i%10)}, b...)
	}
	return string(b)
}
