package storage

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Cache is a read-through cache for notification records. Entries expire
// after a fixed duration and are always copied in and out.
//
// Writers that change read state go through Set or Invalidate, which bump
// the cache epoch. Readers take Epoch before loading from the store and
// hand it to Fill, so a copy loaded before a concurrent mark can never
// replace the marked one.
type Cache struct {
	mu            sync.Mutex
	epoch         uint64
	notifications *lru.TwoQueueCache
	metrics       *metrics.Metrics
	expiration    time.Duration
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      *proto.Notification
	expiration time.Time
}

// NewCache creates a new cache with the given capacity
func NewCache(capacity int, expiration time.Duration) (*Cache, error) {
	notifications, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		notifications: notifications,
		metrics:       metrics.GetMetrics(),
		expiration:    expiration,
	}, nil
}

// Get retrieves a notification from the cache
func (c *Cache) Get(id uint64) (*proto.Notification, bool) {
	c.mu.Lock()
	item, found := c.lookup(id)
	c.mu.Unlock()

	if !found {
		c.metrics.StorageOperations.WithLabelValues("cache_miss", "true").Inc()
		return nil, false
	}
	c.metrics.StorageOperations.WithLabelValues("cache_hit", "true").Inc()
	return Clone(item.value), true
}

// lookup returns the live entry for id, dropping it if expired
func (c *Cache) lookup(id uint64) (cacheItem, bool) {
	value, found := c.notifications.Get(id)
	if !found {
		return cacheItem{}, false
	}
	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		c.notifications.Remove(id)
		c.metrics.StorageOperations.WithLabelValues("cache_expired", "true").Inc()
		return cacheItem{}, false
	}
	return item, true
}

// Epoch returns the current write epoch, taken before a store load
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Fill caches a copy loaded from the store at epoch. An unread copy is
// dropped if read state changed since then, and a cached read copy is
// never replaced by an unread one.
func (c *Cache) Fill(n *proto.Notification, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !n.Read {
		if epoch != c.epoch {
			c.metrics.StorageOperations.WithLabelValues("cache_stale_fill", "true").Inc()
			return
		}
		if item, found := c.lookup(n.ID); found && item.value.Read {
			return
		}
	}
	c.add(n)
}

// Set stores the latest copy of a notification, as written by the caller
func (c *Cache) Set(n *proto.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.add(n)
}

func (c *Cache) add(n *proto.Notification) {
	c.notifications.Add(n.ID, cacheItem{
		value:      Clone(n),
		expiration: time.Now().Add(c.expiration),
	})
}

// Invalidate removes notifications from the cache
func (c *Cache) Invalidate(ids ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, id := range ids {
		c.notifications.Remove(id)
	}
}

// Len returns the number of cached entries, expired ones included
func (c *Cache) Len() int {
	return c.notifications.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.notifications.Purge()
	c.metrics.StorageOperations.WithLabelValues("cache_clear", "true").Inc()
}
