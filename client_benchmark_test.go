package memtap

import (
	"context"
	"fmt"
	"testing"

	"github.com/pior/memtap/binprot"
	"github.com/pior/memtap/internal/testutils"
)

var ctx = context.Background()

// BenchmarkClient_Get benchmarks a hit against an in-process server
func BenchmarkClient_Get(b *testing.B) {
	handler := newMemoryHandler()
	handler.put(Item{Key: "testkey", Value: []byte("hello")})
	client := newTestClient(b, startServer(b, handler))

	for b.Loop() {
		_, _ = client.Get(ctx, "testkey")
	}
}

// BenchmarkClient_Get_Miss benchmarks Get with cache miss
func BenchmarkClient_Get_Miss(b *testing.B) {
	client := newTestClient(b, startServer(b, newMemoryHandler()))

	for b.Loop() {
		_, _ = client.Get(ctx, "testkey")
	}
}

// BenchmarkClient_Set benchmarks the Set method
func BenchmarkClient_Set(b *testing.B) {
	client := newTestClient(b, startServer(b, newMemoryHandler()))
	value := []byte("hello")

	for b.Loop() {
		_, _ = client.Set(ctx, Item{Key: "testkey", Value: value})
	}
}

// BenchmarkClient_Get_Parallel benchmarks concurrent gets sharing the pool
func BenchmarkClient_Get_Parallel(b *testing.B) {
	handler := newMemoryHandler()
	for i := range 100 {
		handler.put(Item{Key: fmt.Sprintf("key-%d", i), Value: []byte("hello")})
	}
	client := newTestClient(b, startServer(b, handler))

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = client.Get(ctx, fmt.Sprintf("key-%d", i%100))
			i++
		}
	})
}

// BenchmarkConnection_Receive benchmarks framing and decoding from a buffered stream
func BenchmarkConnection_Receive(b *testing.B) {
	rsp := binprot.NewResponseFor(binprot.NewGetRequest("testkey", 0), binprot.StatusNoError).(*binprot.GetResponse)
	rsp.Value = make([]byte, 512)
	frame := binprot.Encode(rsp)

	for b.Loop() {
		conn := NewConnection(testutils.NewConnectionMock(frame, frame, frame, frame))
		for range 4 {
			if _, err := ReceiveMessage(ctx, conn); err != nil {
				b.Fatal(err)
			}
		}
	}
}
