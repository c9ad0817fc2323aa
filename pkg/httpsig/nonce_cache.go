package httpsig

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const nonceShards = 16

// nonceCache is a sharded LRU of (kid, nonce) pairs. Shards are keyed by kid
// so one chatty caller cannot evict another's replay window; eviction is O(1).
type nonceCache struct {
	shards   [nonceShards]*nonceShard
	capacity int
	window   time.Duration
}

type nonceShard struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type nonceEntry struct {
	key  string
	seen time.Time
}

func newNonceCache(capacityPerKid int, window time.Duration) *nonceCache {
	c := &nonceCache{capacity: capacityPerKid, window: window}
	for i := range c.shards {
		c.shards[i] = &nonceShard{order: list.New(), items: make(map[string]*list.Element)}
	}
	return c
}

// Seen records (kid, nonce) and reports whether it was already present
// inside the replay window.
func (c *nonceCache) Seen(kid, nonce string, now time.Time) bool {
	shard := c.shards[shardIndex(kid)]
	key := kid + "\x00" + nonce

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if el, ok := shard.items[key]; ok {
		entry := el.Value.(*nonceEntry)
		if now.Sub(entry.seen) <= c.window {
			return true
		}
		// Stale entry: treat as fresh and bump.
		entry.seen = now
		shard.order.MoveToFront(el)
		return false
	}

	el := shard.order.PushFront(&nonceEntry{key: key, seen: now})
	shard.items[key] = el

	for shard.order.Len() > c.capacity {
		oldest := shard.order.Back()
		if oldest == nil {
			break
		}
		shard.order.Remove(oldest)
		delete(shard.items, oldest.Value.(*nonceEntry).key)
	}
	return false
}

func shardIndex(kid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kid))
	return int(h.Sum32() % nonceShards)
}
