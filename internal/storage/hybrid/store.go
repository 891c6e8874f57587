package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/storage/database"
	"mailfeed/backend/internal/storage/redis"
)

// Store 混合存储实现，数据库为权威数据源，Redis 缓存订阅源查询
type Store struct {
	db    *database.Store
	redis *redis.Cache
	ttl   time.Duration
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db *database.Store, cache *redis.Cache, ttl time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:    db,
		redis: cache,
		ttl:   ttl,
		log:   log,
	}
}

// ========== Feed Repository ==========

// CreateFeed 写入数据库后缓存订阅源
func (s *Store) CreateFeed(ctx context.Context, feed *domain.Feed, seed *domain.Entry) error {
	version, verErr := s.redis.FeedVersion(ctx, feed.Reference)
	if err := s.db.CreateFeed(ctx, feed, seed); err != nil {
		return err
	}
	if verErr != nil {
		s.log.Warn("failed to read feed cache version", zap.String("feed", feed.Reference), zap.Error(verErr))
		return nil
	}
	s.cacheFeed(ctx, feed, version)
	return nil
}

// GetFeedByReference 先查 Redis，未命中时回源数据库
//
// 回源之前取得缓存版本，期间有条目写入时不回填，避免旧数据覆盖失效。
func (s *Store) GetFeedByReference(ctx context.Context, reference string) (*domain.Feed, error) {
	feed, err := s.redis.GetCachedFeed(ctx, reference)
	if err == nil {
		return feed, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("redis feed lookup failed, falling back to database", zap.String("feed", reference), zap.Error(err))
	}

	version, verErr := s.redis.FeedVersion(ctx, reference)
	feed, err = s.db.GetFeedByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if verErr == nil {
		s.cacheFeed(ctx, feed, version)
	}
	return feed, nil
}

func (s *Store) cacheFeed(ctx context.Context, feed *domain.Feed, version int64) {
	stored, err := s.redis.CacheFeed(ctx, feed, version, s.ttl)
	switch {
	case err != nil:
		s.log.Warn("failed to cache feed", zap.String("feed", feed.Reference), zap.Error(err))
	case !stored:
		s.log.Debug("feed changed while loading, skipping cache fill", zap.String("feed", feed.Reference))
	}
}

// CountEntries 直接查询数据库
func (s *Store) CountEntries(ctx context.Context, feedID string) (int, error) {
	return s.db.CountEntries(ctx, feedID)
}

// ========== Entry Repository ==========

// ListEntries 直接查询数据库
func (s *Store) ListEntries(ctx context.Context, feedID string) ([]domain.Entry, error) {
	return s.db.ListEntries(ctx, feedID)
}

// GetEntryByReference 直接查询数据库（条目可能被淘汰，不做缓存）
func (s *Store) GetEntryByReference(ctx context.Context, reference string) (*domain.Entry, error) {
	return s.db.GetEntryByReference(ctx, reference)
}

// AppendEntry 写入数据库后失效该订阅源的缓存
func (s *Store) AppendEntry(ctx context.Context, feedID string, entry *domain.Entry, trim domain.TrimFunc) (int, error) {
	var reference string
	wrapped := func(feed *domain.Feed, entries []domain.Entry) (int, error) {
		reference = feed.Reference
		if trim == nil {
			return len(entries), nil
		}
		return trim(feed, entries)
	}

	evicted, err := s.db.AppendEntry(ctx, feedID, entry, wrapped)
	if err != nil {
		return 0, err
	}
	if err := s.redis.InvalidateFeed(ctx, reference); err != nil {
		s.log.Warn("failed to invalidate feed cache", zap.String("feed", reference), zap.Error(err))
	}
	return evicted, nil
}

// ========== 工具方法 ==========

// Close 关闭数据库与 Redis 连接
func (s *Store) Close() error {
	dbErr := s.db.Close()
	redisErr := s.redis.Close()
	return errors.Join(dbErr, redisErr)
}

// Health 检查数据库与 Redis
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
