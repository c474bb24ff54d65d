package chainrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// cachedBlockhash is one fetched-and-timestamped blockhash.
type cachedBlockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// BlockhashCache is a double-buffered, background-refreshed blockhash
// cache sitting in front of Client.GetLatestBlockhash. A background
// goroutine keeps a second buffer warm, so Get normally answers from
// memory; only when both buffers are older than ttl does Get block on a
// synchronous fetch.
type BlockhashCache struct {
	current atomic.Pointer[cachedBlockhash]
	next    atomic.Pointer[cachedBlockhash]

	rpc      *Client
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBlockhashCache builds a cache refreshing every interval, treating a
// hash as usable for ttl after it was fetched.
func NewBlockhashCache(rpc *Client, interval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{rpc: rpc, interval: interval, ttl: ttl, stopCh: make(chan struct{})}
}

// Start performs the first synchronous fetch, then begins background
// prefetching every interval.
func (c *BlockhashCache) Start() error {
	if err := c.fetchAndRotate(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.prefetchLoop()
	return nil
}

// Stop halts the background prefetch goroutine.
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns a usable blockhash, forcing a synchronous fetch only when
// both buffers are stale.
func (c *BlockhashCache) Get(ctx context.Context) (string, uint64, error) {
	if cached := c.current.Load(); cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		return cached.Hash, cached.LastValidBlockHeight, nil
	}
	if next := c.next.Load(); next != nil && time.Since(next.FetchedAt) < c.ttl {
		return next.Hash, next.LastValidBlockHeight, nil
	}
	log.Warn().Msg("chainrpc: blockhash cache miss, forcing sync refresh")
	if err := c.fetchAndRotate(); err != nil {
		return "", 0, err
	}
	cached := c.current.Load()
	return cached.Hash, cached.LastValidBlockHeight, nil
}

func (c *BlockhashCache) prefetchLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.fetchAndRotate(); err != nil {
				log.Warn().Err(err).Msg("chainrpc: blockhash prefetch failed")
			}
		}
	}
}

func (c *BlockhashCache) fetchAndRotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	latest, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}
	fresh := &cachedBlockhash{Hash: latest.Blockhash, LastValidBlockHeight: latest.LastValidBlockHeight, FetchedAt: time.Now()}

	wasEmpty := c.current.Load() == nil
	c.current.Store(c.next.Load())
	c.next.Store(fresh)
	if wasEmpty {
		c.current.Store(fresh)
	}
	return nil
}
