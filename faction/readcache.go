package faction

import (
	"context"
	"sync"
	"time"

	"github.com/openplace/server/cache"
	"go.uber.org/zap"
)

// InvalidateChannel carries blanket cache-drop notifications between
// processes. Any faction mutation publishes here.
const InvalidateChannel = "faction:invalidate"

type memoEntry struct {
	value    interface{}
	expireAt time.Time
}

// ReadCache memoizes expensive composite reads (leaderboard pages,
// profiles, a user's own faction view) for a few seconds. It is
// process-local; correctness comes from blanket invalidation on every
// mutation, broadcast over pub/sub so sibling processes drop their
// entries too. Expired entries are never served.
type ReadCache struct {
	entries sync.Map // key → *memoEntry
	ps      cache.PubSub
	cancel  func()
	logger  *zap.Logger
}

// NewReadCache creates a ReadCache and subscribes it to the invalidation
// channel. Call Close to release the subscription.
func NewReadCache(ps cache.PubSub, logger *zap.Logger) (*ReadCache, error) {
	rc := &ReadCache{ps: ps, logger: logger}
	ch, cancel, err := ps.Subscribe(context.Background(), InvalidateChannel)
	if err != nil {
		return nil, err
	}
	rc.cancel = cancel
	go func() {
		for range ch {
			rc.clear()
		}
	}()
	return rc, nil
}

// Close unsubscribes from the invalidation channel.
func (rc *ReadCache) Close() {
	if rc.cancel != nil {
		rc.cancel()
	}
}

// Get returns the cached value for key if it is still fresh.
func (rc *ReadCache) Get(key string) (interface{}, bool) {
	v, ok := rc.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*memoEntry)
	if time.Now().After(e.expireAt) {
		rc.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key for at most ttl.
func (rc *ReadCache) Put(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	rc.entries.Store(key, &memoEntry{value: value, expireAt: time.Now().Add(ttl)})
}

// InvalidateAll drops every entry locally and broadcasts the drop to
// sibling processes. Called synchronously by every successful mutation,
// before the response is returned, so the mutating caller can never read
// its own stale data.
func (rc *ReadCache) InvalidateAll(ctx context.Context) {
	rc.clear()
	if err := rc.ps.Publish(ctx, InvalidateChannel, "all"); err != nil {
		rc.logger.Warn("cache invalidation broadcast failed", zap.Error(err))
	}
}

func (rc *ReadCache) clear() {
	rc.entries.Range(func(k, _ interface{}) bool {
		rc.entries.Delete(k)
		return true
	})
}
