package chainrpc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockhashCache_GetReturnsFetchedHash(t *testing.T) {
	var calls int64
	srv := rpcServer(t, func(method string) (any, *rpcError) {
		atomic.AddInt64(&calls, 1)
		return map[string]any{"value": LatestBlockhash{Blockhash: "hash-1", LastValidBlockHeight: 10}}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "")
	cache := NewBlockhashCache(client, time.Hour, time.Hour)
	require.NoError(t, cache.Start())
	defer cache.Stop()

	hash, height, err := cache.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "hash-1", hash)
	assert.Equal(t, uint64(10), height)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestBlockhashCache_ExpiredForcesSyncRefresh(t *testing.T) {
	var calls int64
	srv := rpcServer(t, func(method string) (any, *rpcError) {
		n := atomic.AddInt64(&calls, 1)
		return map[string]any{"value": LatestBlockhash{Blockhash: "hash", LastValidBlockHeight: uint64(n)}}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "")
	cache := NewBlockhashCache(client, time.Hour, time.Millisecond)
	require.NoError(t, cache.Start())
	defer cache.Stop()

	time.Sleep(5 * time.Millisecond)

	_, _, err := cache.Get(t.Context())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(2))
}
