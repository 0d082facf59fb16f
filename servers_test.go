package memtap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var threeNodes = []string{"node-a:11211", "node-b:11211", "node-c:11211"}

func TestNewStaticServers(t *testing.T) {
	assert.Equal(t, threeNodes, NewStaticServers(threeNodes...).List())
	assert.Empty(t, NewStaticServers().List())
}

func TestParseServers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" , ,", nil},
		{"node-a:11211", []string{"node-a:11211"}},
		{" node-a:11211, ,node-b:11211,", []string{"node-a:11211", "node-b:11211"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseServers(tt.in).List())
		})
	}
}

func TestDefaultSelectServer_Trivial(t *testing.T) {
	addr, err := DefaultSelectServer("user:1", nil)
	assert.ErrorIs(t, err, ErrNoServers)
	assert.Empty(t, addr)

	for _, key := range []string{"user:1", "user:2", ""} {
		addr, err := DefaultSelectServer(key, threeNodes[:1])
		require.NoError(t, err)
		assert.Equal(t, "node-a:11211", addr)
	}
}

func TestDefaultSelectServer_Stable(t *testing.T) {
	want, err := DefaultSelectServer("session:42", threeNodes)
	require.NoError(t, err)

	for range 50 {
		got, err := DefaultSelectServer("session:42", threeNodes)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDefaultSelectServer_Spread(t *testing.T) {
	counts := map[string]int{}
	for i := range 3000 {
		addr, err := DefaultSelectServer(fmt.Sprintf("item:%d", i), threeNodes)
		require.NoError(t, err)
		counts[addr]++
	}

	require.Len(t, counts, len(threeNodes))
	for addr, n := range counts {
		assert.InDelta(t, 1000, n, 200, "keys on %s", addr)
	}
}

func TestDefaultSelectServer_AddingANode(t *testing.T) {
	four := append(threeNodes[:3:3], "node-d:11211")

	moved := 0
	for i := range 1000 {
		key := fmt.Sprintf("item:%d", i)
		before, err := DefaultSelectServer(key, threeNodes)
		require.NoError(t, err)
		after, err := DefaultSelectServer(key, four)
		require.NoError(t, err)

		if before != after {
			moved++
			assert.Equal(t, "node-d:11211", after, "key %s", key)
		}
	}
	assert.InDelta(t, 250, moved, 100)
}

func TestDefaultSelectServer_Parallel(t *testing.T) {
	servers := NewStaticServers(threeNodes...)

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := DefaultSelectServer(fmt.Sprintf("item:%d", i), servers.List())
			assert.NoError(t, err)
			assert.Contains(t, threeNodes, addr)
		}()
	}
	wg.Wait()
}

func TestClient_SelectServerForKey(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		client, err := NewClient(NewStaticServers(threeNodes...), Config{MaxSize: 1})
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		for i := range 20 {
			key := fmt.Sprintf("item:%d", i)
			want, err := DefaultSelectServer(key, threeNodes)
			require.NoError(t, err)

			got, err := client.selectServerForKey(key)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("custom", func(t *testing.T) {
		last := func(_ string, servers []string) (string, error) {
			return servers[len(servers)-1], nil
		}
		client, err := NewClient(NewStaticServers(threeNodes...), Config{MaxSize: 1, SelectServer: last})
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		for _, key := range []string{"a", "b", "c"} {
			addr, err := client.selectServerForKey(key)
			require.NoError(t, err)
			assert.Equal(t, "node-c:11211", addr)
		}
	})
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(NewStaticServers(), Config{})
	assert.ErrorIs(t, err, ErrNoServers)

	_, err = NewClient(NewStaticServers(threeNodes...), Config{VBuckets: 100})
	assert.ErrorContains(t, err, "power of two")

	client, err := NewClient(NewStaticServers(threeNodes...), Config{VBuckets: 64})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	for i := range 100 {
		assert.Less(t, client.VBucketForKey(fmt.Sprintf("item:%d", i)), uint16(64))
	}
}
