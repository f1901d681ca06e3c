package storage

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"todo-timer/domain"
)

// Cache wraps a Store with Redis-backed caching for the owner-scoped list
// reads that live queries re-run after every mutation. The cache installs
// itself as the store's notifier: change events evict the collection's cached
// lists first and are forwarded downstream after, so a subscriber re-querying
// through the cache always observes committed state. A nil Redis client
// degrades to plain pass-through.
type Cache struct {
	*Store
	redis *redis.Client
	ttl   time.Duration

	mu   sync.Mutex
	next Notifier
	keys map[string]map[string]struct{} // collection -> cached redis keys
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base *Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{
		Store: base,
		redis: client,
		ttl:   ttl,
		keys:  make(map[string]map[string]struct{}),
	}
	base.SetNotifier(c)
	return c
}

// SetNotifier registers the downstream change listener. The cache stays
// between the store and the listener so eviction precedes every delivery.
func (c *Cache) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.next = n
	c.mu.Unlock()
}

// Publish receives the store's change event, evicts every cached list for the
// collection and then forwards the event.
func (c *Cache) Publish(collection string) {
	c.evictCollection(collection)

	c.mu.Lock()
	next := c.next
	c.mu.Unlock()
	if next != nil {
		next.Publish(collection)
	}
}

func (c *Cache) TasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error) {
	key := ownerKey(CollectionTasks, ownerID)
	var cached []domain.Task
	if c.loadFromCache(ctx, key, &cached) {
		return cached, nil
	}

	tasks, err := c.Store.TasksByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.storeInCache(ctx, CollectionTasks, key, tasks)
	return tasks, nil
}

func (c *Cache) RecordsByOwner(ctx context.Context, ownerID string) ([]domain.SessionRecord, error) {
	key := ownerKey(CollectionRecords, ownerID)
	var cached []domain.SessionRecord
	if c.loadFromCache(ctx, key, &cached) {
		return cached, nil
	}

	records, err := c.Store.RecordsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.storeInCache(ctx, CollectionRecords, key, records)
	return records, nil
}

func (c *Cache) loadFromCache(ctx context.Context, key string, dest any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dest); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) storeInCache(ctx context.Context, collection, key string, value any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return
	}

	c.mu.Lock()
	set, ok := c.keys[collection]
	if !ok {
		set = make(map[string]struct{})
		c.keys[collection] = set
	}
	set[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) evictCollection(collection string) {
	if c.redis == nil {
		return
	}

	c.mu.Lock()
	set := c.keys[collection]
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	delete(c.keys, collection)
	c.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	_, _ = c.redis.Del(context.Background(), keys...).Result()
}

func ownerKey(collection, ownerID string) string {
	return collection + ":" + ownerID
}
