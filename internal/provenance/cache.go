package provenance

import (
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"blastguard.ai/internal/ledger"
)

const (
	DefaultCacheTTL        = 30 * time.Second
	DefaultCacheMaxEntries = 10000
	DefaultCacheShards     = 16
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	Shards     int
}

func (c CacheConfig) normalized() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Shards <= 0 {
		c.Shards = DefaultCacheShards
	}
	if c.Shards > c.MaxEntries {
		c.Shards = c.MaxEntries
	}
	return c
}

type cacheShard struct {
	lru      *expirable.LRU[ledger.Coord, bool]
	clearing atomic.Bool
}

// Cache maps block coordinates to verdicts for a bounded time. Each shard is
// an independently locked expiring LRU, so concurrent filtering passes only
// contend when they hash to the same shard. Every shard owns an expiry
// sweeper goroutine that cannot be stopped; build caches once per process.
type Cache struct {
	cfg    CacheConfig
	shards []*cacheShard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func NewCache(cfg CacheConfig) *Cache {
	cfg = cfg.normalized()
	c := &Cache{cfg: cfg, shards: make([]*cacheShard, cfg.Shards)}
	per := cfg.MaxEntries / cfg.Shards
	for i := range c.shards {
		sh := &cacheShard{}
		sh.lru = expirable.NewLRU[ledger.Coord, bool](per, func(ledger.Coord, bool) {
			if !sh.clearing.Load() {
				c.evictions.Add(1)
			}
		}, cfg.TTL)
		c.shards[i] = sh
	}
	return c
}

func (c *Cache) shard(k ledger.Coord) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.World))
	var b [12]byte
	for i, v := range [3]int{k.X, k.Y, k.Z} {
		u := uint32(int32(v))
		b[i*4] = byte(u)
		b[i*4+1] = byte(u >> 8)
		b[i*4+2] = byte(u >> 16)
		b[i*4+3] = byte(u >> 24)
	}
	_, _ = h.Write(b[:])
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached verdict and whether a live entry existed.
func (c *Cache) Get(k ledger.Coord) (playerPlaced bool, ok bool) {
	v, ok := c.shard(k).lru.Get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores a verdict, replacing any previous one and restarting its TTL.
func (c *Cache) Put(k ledger.Coord, playerPlaced bool) {
	c.shard(k).lru.Add(k, playerPlaced)
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	for _, sh := range c.shards {
		sh.clearing.Store(true)
		sh.lru.Purge()
		sh.clearing.Store(false)
	}
}

// Len counts entries, including ones that expired but were not swept yet.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.lru.Len()
	}
	return n
}

type CacheStatus struct {
	Entries    int           `json:"entries"`
	MaxEntries int           `json:"max_entries"`
	Shards     int           `json:"shards"`
	TTL        time.Duration `json:"ttl"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Evictions  uint64        `json:"evictions"`
}

func (c *Cache) Status() CacheStatus {
	return CacheStatus{
		Entries:    c.Len(),
		MaxEntries: c.cfg.MaxEntries,
		Shards:     c.cfg.Shards,
		TTL:        c.cfg.TTL,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
	}
}
