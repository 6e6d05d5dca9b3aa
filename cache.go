package lsmkv

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// BlockCacheKey identifies one decoded block within one SSTable.
type BlockCacheKey struct {
	TableID uint64
	BlockID uint32
}

func (k BlockCacheKey) hash() uint64 {
	var buf [12]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.TableID >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(k.BlockID >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

// dlist is the teacher's intrusive doubly-linked list (cache.go), kept
// verbatim in shape and reused for both the simple and multi-level cache
// tags described in spec.md Design Notes §9.
type cacheNode struct {
	prev, next *cacheNode
	key        BlockCacheKey
	value      []byte
	access     int32
}

type dlist struct {
	head, tail *cacheNode
}

func newDlist() *dlist {
	head := &cacheNode{}
	tail := &cacheNode{}
	head.next = tail
	tail.prev = head
	return &dlist{head: head, tail: tail}
}

func (l *dlist) pushFront(n *cacheNode) {
	n.prev = l.head
	n.next = l.head.next
	l.head.next.prev = n
	l.head.next = n
}

func (l *dlist) remove(n *cacheNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (l *dlist) moveToFront(n *cacheNode) {
	l.remove(n)
	l.pushFront(n)
}

func (l *dlist) removeLast() *cacheNode {
	last := l.tail.prev
	if last == l.head {
		return nil
	}
	l.remove(last)
	return last
}

// lruShard is one bounded LRU segment. Its mutex is only ever held over
// in-memory map/list work, never across file I/O, per spec.md §5.
type lruShard struct {
	mu       sync.Mutex
	capacity int
	items    map[BlockCacheKey]*cacheNode
	order    *dlist
}

func newLRUShard(capacity int) *lruShard {
	return &lruShard{
		capacity: capacity,
		items:    make(map[BlockCacheKey]*cacheNode),
		order:    newDlist(),
	}
}

func (s *lruShard) get(key BlockCacheKey) ([]byte, int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[key]
	if !ok {
		return nil, 0, false
	}
	n.access++
	s.order.moveToFront(n)
	return n.value, n.access, true
}

func (s *lruShard) put(key BlockCacheKey, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.items[key]; ok {
		n.value = value
		s.order.moveToFront(n)
		return
	}
	n := &cacheNode{key: key, value: value}
	s.items[key] = n
	s.order.pushFront(n)
	if s.capacity > 0 && len(s.items) > s.capacity {
		if victim := s.order.removeLast(); victim != nil {
			delete(s.items, victim.key)
		}
	}
}

func (s *lruShard) remove(key BlockCacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.items[key]; ok {
		s.order.remove(n)
		delete(s.items, key)
	}
}

const cacheShardCount = 16

// promoteThreshold is the L2 access count at which an entry is promoted
// into the L1 hot tier, per spec.md §4.B's multi-level variant.
const promoteThreshold = 2

// BlockCache is the bounded LRU over decoded data blocks described in
// spec.md §4.B, grounded on the teacher's LRUCache/list but reshaped into
// fixed shards (bounding lock contention, per §5) and a cache-tag variant
// {Simple, MultiLevel} instead of the teacher's single-tier cache.
type BlockCache struct {
	multiLevel bool
	shardsL1   []*lruShard
	shardsL2   []*lruShard

	hits   atomic.Int64
	misses atomic.Int64
}

// NewBlockCache builds a Simple block cache of the given total capacity.
func NewBlockCache(capacity int) *BlockCache {
	return newBlockCache(capacity, false)
}

// NewMultiLevelBlockCache builds a two-tier cache: a small hot L1 (1/8th of
// capacity) promoted into from a larger cold L2, per spec.md §4.B.
func NewMultiLevelBlockCache(capacity int) *BlockCache {
	return newBlockCache(capacity, true)
}

func newBlockCache(capacity int, multiLevel bool) *BlockCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacityBlocks
	}
	c := &BlockCache{multiLevel: multiLevel}
	perShard := max(1, capacity/cacheShardCount)
	l1Shard := max(1, perShard/8)
	c.shardsL2 = make([]*lruShard, cacheShardCount)
	for i := range c.shardsL2 {
		c.shardsL2[i] = newLRUShard(perShard)
	}
	if multiLevel {
		c.shardsL1 = make([]*lruShard, cacheShardCount)
		for i := range c.shardsL1 {
			c.shardsL1[i] = newLRUShard(l1Shard)
		}
	}
	return c
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *BlockCache) shardIndex(key BlockCacheKey) int {
	return int(key.hash() % uint64(cacheShardCount))
}

// Get returns the decoded block for key, promoting it to most-recently-used
// (and, in the multi-level variant, into L1 once its L2 access count
// crosses promoteThreshold).
func (c *BlockCache) Get(key BlockCacheKey) ([]byte, bool) {
	idx := c.shardIndex(key)
	if c.multiLevel {
		if v, _, ok := c.shardsL1[idx].get(key); ok {
			c.hits.Add(1)
			return v, true
		}
		if v, access, ok := c.shardsL2[idx].get(key); ok {
			c.hits.Add(1)
			if access >= promoteThreshold {
				c.shardsL1[idx].put(key, v)
				c.shardsL2[idx].remove(key)
			}
			return v, true
		}
		c.misses.Add(1)
		return nil, false
	}
	if v, _, ok := c.shardsL2[idx].get(key); ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts a freshly decoded block at most-recently-used.
func (c *BlockCache) Put(key BlockCacheKey, value []byte) {
	c.shardsL2[c.shardIndex(key)].put(key, value)
}

// Invalidate drops a cache entry, used when a block read back from an
// SSTable fails its checksum (spec.md §4.F: "Corrupt blocks invalidate the
// cache entry").
func (c *BlockCache) Invalidate(key BlockCacheKey) {
	idx := c.shardIndex(key)
	c.shardsL2[idx].remove(key)
	if c.multiLevel {
		c.shardsL1[idx].remove(key)
	}
}

func (c *BlockCache) HitCount() int64  { return c.hits.Load() }
func (c *BlockCache) MissCount() int64 { return c.misses.Load() }

// registerMetrics wires hit/miss counters into the caller-supplied
// registry, per Design Notes §9 ("collectors are passed in via options,
// never via global state").
func (c *BlockCache) registerMetrics(reg *prometheus.Registry, namespace string) {
	if reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_cache_hits_total",
	}, func() float64 { return float64(c.HitCount()) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_cache_misses_total",
	}, func() float64 { return float64(c.MissCount()) }))
}
