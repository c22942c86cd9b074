package local

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key or member does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// entry holds a cached string value with an optional expiry.
type entry struct {
	data     string
	expireAt time.Time
	noExpiry bool
}

func (e *entry) expired() bool {
	return !e.noExpiry && time.Now().After(e.expireAt)
}

// LocalCache is an in-process cache implementing the Cache interface.
// It backs single-node deployments and tests; it mirrors the Redis
// semantics the ranking store relies on (atomic ZINCRBY, RENAME).
type LocalCache struct {
	mu         sync.Mutex // guards SetNX and Rename atomically
	kv         sync.Map   // key → *entry
	zsets      sync.Map   // key → *zset
	gcInterval time.Duration
	stopGC     chan struct{}
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine.
func (c *LocalCache) Close() {
	close(c.stopGC)
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.Range(func(k, v interface{}) bool {
				if e, ok := v.(*entry); ok && e.expired() {
					c.kv.Delete(k)
				}
				return true
			})
		case <-c.stopGC:
			return
		}
	}
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return "", ErrNotFound
	}
	return e.data, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	c.kv.Store(key, e)
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return false, nil
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return false, nil
	}
	return true, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.kv.Load(key); ok {
		if e, ok2 := v.(*entry); ok2 && !e.expired() {
			return false, nil
		}
	}
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	c.kv.Store(key, e)
	return true, nil
}

func (c *LocalCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	v, ok := c.kv.Load(key)
	if !ok {
		return ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return ErrNotFound
	}
	c.kv.Store(key, &entry{data: e.data, expireAt: time.Now().Add(ttl)})
	return nil
}

func (c *LocalCache) MGet(ctx context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		if v, err := c.Get(ctx, k); err == nil {
			out[i] = v
		}
	}
	return out, nil
}

// Rename moves src to dst in whichever namespace src lives in. KV entries
// and sorted sets are kept in separate maps, so both are checked.
func (c *LocalCache) Rename(_ context.Context, src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.zsets.Load(src); ok {
		c.zsets.Store(dst, v)
		c.zsets.Delete(src)
		return nil
	}
	if v, ok := c.kv.Load(src); ok {
		if e := v.(*entry); !e.expired() {
			c.kv.Store(dst, v)
			c.kv.Delete(src)
			return nil
		}
		c.kv.Delete(src)
	}
	return ErrNotFound
}

// ---- ZSet ----

type zEntry struct {
	member string
	score  float64
}

type zset struct {
	mu      sync.Mutex
	entries []zEntry // sorted by score descending
}

func (z *zset) sortLocked() {
	sort.SliceStable(z.entries, func(a, b int) bool { return z.entries[a].score > z.entries[b].score })
}

func (c *LocalCache) getOrCreateZSet(key string) *zset {
	v, _ := c.zsets.LoadOrStore(key, &zset{})
	return v.(*zset)
}

func (c *LocalCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	for i, e := range z.entries {
		if e.member == member {
			z.entries[i].score = score
			z.sortLocked()
			return nil
		}
	}
	z.entries = append(z.entries, zEntry{member: member, score: score})
	z.sortLocked()
	return nil
}

func (c *LocalCache) ZIncrBy(_ context.Context, key string, incr float64, member string) (float64, error) {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	for i, e := range z.entries {
		if e.member == member {
			z.entries[i].score += incr
			score := z.entries[i].score
			z.sortLocked()
			return score, nil
		}
	}
	z.entries = append(z.entries, zEntry{member: member, score: incr})
	z.sortLocked()
	return incr, nil
}

func (c *LocalCache) ZRem(_ context.Context, key string, members ...string) error {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, m := range members {
		for i, e := range z.entries {
			if e.member == m {
				z.entries = append(z.entries[:i], z.entries[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (c *LocalCache) ZScore(_ context.Context, key, member string) (float64, error) {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, e := range z.entries {
		if e.member == member {
			return e.score, nil
		}
	}
	return 0, ErrNotFound
}

func (c *LocalCache) ZMScore(ctx context.Context, key string, members ...string) ([]float64, error) {
	out := make([]float64, len(members))
	for i, m := range members {
		if s, err := c.ZScore(ctx, key, m); err == nil {
			out[i] = s
		}
	}
	return out, nil
}

func (c *LocalCache) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) ([]string, []float64, error) {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	n := int64(len(z.entries))
	if start >= n {
		return nil, nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	members := make([]string, 0, stop-start+1)
	scores := make([]float64, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		members = append(members, z.entries[i].member)
		scores = append(scores, z.entries[i].score)
	}
	return members, scores, nil
}

// ZRevRank counts entries with a strictly greater score, so equal-score
// members share the rank of the first of their group.
func (c *LocalCache) ZRevRank(_ context.Context, key, member string) (int64, error) {
	z := c.getOrCreateZSet(key)
	z.mu.Lock()
	defer z.mu.Unlock()
	var score float64
	found := false
	for _, e := range z.entries {
		if e.member == member {
			score = e.score
			found = true
			break
		}
	}
	if !found {
		return 0, ErrNotFound
	}
	var rank int64
	for _, e := range z.entries {
		if e.score > score {
			rank++
		}
	}
	return rank, nil
}
