package utils

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheItem[V any] struct {
	data      V
	expiresAt time.Time
}

// TTLCache 带过期时间的 LRU 缓存，并发安全
type TTLCache[V any] struct {
	lruCache *lru.Cache[string, cacheItem[V]]
	ttl      time.Duration
	now      func() time.Time
}

// NewTTLCache size<=0 时使用 500
func NewTTLCache[V any](size int, ttl time.Duration) *TTLCache[V] {
	if size <= 0 {
		size = 500
	}
	l, err := lru.New[string, cacheItem[V]](size)
	if err != nil {
		// 只在 size<=0 时出错，上面已排除
		panic(err)
	}
	return &TTLCache[V]{lruCache: l, ttl: ttl, now: time.Now}
}

func (c *TTLCache[V]) Set(key string, data V) {
	c.lruCache.Add(key, cacheItem[V]{data: data, expiresAt: c.now().Add(c.ttl)})
}

// Get 不存在或已过期返回 false
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.lruCache.Get(key)
	if !ok {
		return zero, false
	}
	if c.now().After(val.expiresAt) {
		c.lruCache.Remove(key)
		return zero, false
	}
	return val.data, true
}

func (c *TTLCache[V]) Delete(key string) {
	c.lruCache.Remove(key)
}

func (c *TTLCache[V]) Len() int {
	return c.lruCache.Len()
}
