package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailfeed/backend/internal/domain"
)

// ErrCacheMiss 缓存中不存在该键。
var ErrCacheMiss = errors.New("cache miss")

// versionTTL 版本键的保留时间，远大于一次回源读取的耗时。
const versionTTL = 24 * time.Hour

// setIfVersionScript 版本键未变化时写入缓存值。
// KEYS: 版本键、目标键；ARGV: 读取前的版本、值、毫秒 TTL。
var setIfVersionScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (current or '0') ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// bumpVersionScript 推进版本并删除订阅源的全部缓存。
// KEYS: 版本键、订阅源键、渲染结果键；ARGV: 版本键毫秒 TTL。
var bumpVersionScript = goredis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2], KEYS[3])
return v
`)

// Cache Redis 缓存实现：订阅源元数据、渲染后的文档与新条目事件发布。
type Cache struct {
	client *goredis.Client
}

// cachedFeed 缓存中的订阅源，额外保留不参与 API 序列化的序号。
type cachedFeed struct {
	domain.Feed
	LastEntrySeq int64 `json:"lastEntrySeq"`
}

// NewCache 基于已建立的客户端创建缓存
func NewCache(c *Client) *Cache {
	return &Cache{client: c.Client()}
}

func feedKey(reference string) string {
	return fmt.Sprintf("feed:%s", reference)
}

func renderedKey(reference string) string {
	return fmt.Sprintf("feed:%s:atom", reference)
}

func versionKey(reference string) string {
	return fmt.Sprintf("feed:%s:version", reference)
}

// EntryChannel 返回订阅源新条目事件的发布频道。
func EntryChannel(reference string) string {
	return fmt.Sprintf("feed:%s:entries", reference)
}

// ========== 订阅源缓存 ==========

// FeedVersion 返回订阅源缓存的当前版本，回源读取之前调用。
func (c *Cache) FeedVersion(ctx context.Context, reference string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(reference)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return v, err
}

// CacheFeed 缓存订阅源信息
//
// version 为回源读取之前取得的版本；期间发生过失效时不写入，返回 false。
func (c *Cache) CacheFeed(ctx context.Context, feed *domain.Feed, version int64, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(cachedFeed{Feed: *feed, LastEntrySeq: feed.LastEntrySeq})
	if err != nil {
		return false, err
	}
	return c.setIfVersion(ctx, feedKey(feed.Reference), versionKey(feed.Reference), data, version, ttl)
}

func (c *Cache) setIfVersion(ctx context.Context, key, verKey string, data []byte, version int64, ttl time.Duration) (bool, error) {
	stored, err := setIfVersionScript.Run(ctx, c.client,
		[]string{verKey, key},
		strconv.FormatInt(version, 10), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// GetCachedFeed 获取缓存的订阅源信息
func (c *Cache) GetCachedFeed(ctx context.Context, reference string) (*domain.Feed, error) {
	data, err := c.client.Get(ctx, feedKey(reference)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var cached cachedFeed
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	feed := cached.Feed
	feed.LastEntrySeq = cached.LastEntrySeq
	return &feed, nil
}

// ========== 渲染结果缓存 ==========

// CacheRenderedFeed 缓存渲染好的 Atom 文档，版本语义同 CacheFeed
func (c *Cache) CacheRenderedFeed(ctx context.Context, reference string, data []byte, version int64, ttl time.Duration) (bool, error) {
	return c.setIfVersion(ctx, renderedKey(reference), versionKey(reference), data, version, ttl)
}

// GetCachedRenderedFeed 获取渲染好的 Atom 文档
func (c *Cache) GetCachedRenderedFeed(ctx context.Context, reference string) ([]byte, error) {
	data, err := c.client.Get(ctx, renderedKey(reference)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

// InvalidateFeed 推进版本并删除订阅源相关的全部缓存
func (c *Cache) InvalidateFeed(ctx context.Context, reference string) error {
	return bumpVersionScript.Run(ctx, c.client,
		[]string{versionKey(reference), feedKey(reference), renderedKey(reference)},
		versionTTL.Milliseconds(),
	).Err()
}

// ========== 发布订阅 ==========

// PublishEntry 发布新条目事件
func (c *Cache) PublishEntry(ctx context.Context, event *domain.EntryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, EntryChannel(event.Feed), data).Err()
}

// ConsumeEntries 订阅全部订阅源的新条目事件并逐条交给 handle，直到 ctx 结束。
//
// 首次订阅失败时返回错误；格式错误的消息被忽略。
func (c *Cache) ConsumeEntries(ctx context.Context, handle func(*domain.EntryEvent)) error {
	sub := c.client.PSubscribe(ctx, EntryChannel("*"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe entry events: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.EntryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			handle(&event)
		}
	}
}

// Ping 检查连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Cache) Close() error {
	return c.client.Close()
}
