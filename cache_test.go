package lsmkv

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestBlockCacheBasic(t *testing.T) {
	c := NewBlockCache(4)
	key := BlockCacheKey{TableID: 1, BlockID: 0}
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(key, []byte("hello"))
	v, ok := c.Get(key)
	if !ok || string(v) != "hello" {
		t.Fatalf("expected hello, got %v", v)
	}
	if c.HitCount() != 1 || c.MissCount() != 1 {
		t.Fatalf("unexpected hit/miss counts: %d/%d", c.HitCount(), c.MissCount())
	}
}

func TestBlockCacheEviction(t *testing.T) {
	c := NewBlockCache(cacheShardCount * 2) // 2 entries per shard
	key := func(id uint32) BlockCacheKey { return BlockCacheKey{TableID: 1, BlockID: id} }

	idx := c.shardIndex(key(0))
	var sameShard []uint32
	for i := uint32(0); len(sameShard) < 4; i++ {
		if c.shardIndex(key(i)) == idx {
			sameShard = append(sameShard, i)
		}
	}
	for _, id := range sameShard {
		c.Put(key(id), []byte("v"))
	}
	if _, ok := c.Get(key(sameShard[0])); ok {
		t.Fatalf("expected oldest entry evicted from bounded shard")
	}
}

func TestBlockCacheInvalidate(t *testing.T) {
	c := NewBlockCache(16)
	key := BlockCacheKey{TableID: 2, BlockID: 1}
	c.Put(key, []byte("x"))
	c.Invalidate(key)
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestMultiLevelBlockCachePromotion(t *testing.T) {
	c := NewMultiLevelBlockCache(cacheShardCount * 16)
	key := BlockCacheKey{TableID: 3, BlockID: 0}
	c.Put(key, []byte("v"))
	for i := 0; i < promoteThreshold; i++ {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("expected hit during promotion warmup")
		}
	}
	idx := c.shardIndex(key)
	if _, _, ok := c.shardsL1[idx].get(key); !ok {
		t.Fatalf("expected entry promoted into L1 after %d accesses", promoteThreshold)
	}
}

func TestBlockCacheConcurrent(t *testing.T) {
	c := NewBlockCache(1024)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				key := BlockCacheKey{TableID: uint64(r.Intn(4)), BlockID: uint32(r.Intn(50))}
				c.Put(key, []byte(fmt.Sprintf("v%d", i)))
				c.Get(key)
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()
}
