package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存（L1 缓存）
//
// 用于缓存渲染好的订阅源文档，键为订阅源引用。写入新条目后由调用方主动失效。
// 超过容量时淘汰最早过期的条目。
//
// 每个键带有版本号，Delete 推进版本。读取数据源之前取得版本，写回时用 SetIfVersion，
// 期间发生的失效会使写回被丢弃。
type LocalCache struct {
	mu       sync.RWMutex
	data     map[string]cacheEntry
	versions map[string]uint64
	maxSize  int
	ttl      time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LocalCache{
		data:     make(map[string]cacheEntry),
		versions: make(map[string]uint64),
		maxSize:  maxSize,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.data[key]; ok && c.now().After(current.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Version 返回键的当前版本。
func (c *LocalCache) Version(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[key]
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间。
func (c *LocalCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// SetIfVersion 仅当键的版本仍为 version 时写入，返回是否写入。
func (c *LocalCache) SetIfVersion(key string, value []byte, ttl time.Duration, version uint64) bool {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[key] != version {
		return false
	}
	c.setLocked(key, value, ttl)
	return true
}

func (c *LocalCache) setLocked(key string, value []byte, ttl time.Duration) {
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete 删除缓存值并推进版本
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.versions[key]++
	c.mu.Unlock()
}

// Len 返回当前缓存条目数（含未清理的过期条目）。
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Run 定期清理过期条目，直到 ctx 结束。
func (c *LocalCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *LocalCache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.data {
		if now.After(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}

// evictLocked 淘汰最早过期的条目，调用方需持有写锁。
func (c *LocalCache) evictLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, entry := range c.data {
		if !found || entry.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = key, entry.expiresAt, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}
