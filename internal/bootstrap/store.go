// Package bootstrap 按配置组装存储层，服务端与命令行工具共用。
package bootstrap

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/storage"
	"mailfeed/backend/internal/storage/database"
	"mailfeed/backend/internal/storage/hybrid"
	"mailfeed/backend/internal/storage/memory"
	"mailfeed/backend/internal/storage/redis"
)

// Stores 已打开的存储及其可选的 Redis 缓存
type Stores struct {
	Store storage.Store
	Cache *redis.Cache // 未配置 Redis 时为 nil
	Kind  string
}

// OpenStore 根据配置选择存储实现
//
//   - database.type 为空：内存存储
//   - 配置了数据库：GORM 存储，打开时自动迁移表结构
//   - 同时配置了 Redis：数据库 + Redis 混合存储
//
// 未配置数据库但配置了 Redis 时，Redis 只用于渲染缓存与事件发布。
func OpenStore(cfg *config.Config, log *zap.Logger) (*Stores, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var cache *redis.Cache
	if cfg.Redis.Address != "" {
		client, err := redis.New(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		cache = redis.NewCache(client)
	}

	if cfg.Database.Type == "" {
		log.Info("using memory storage")
		return &Stores{Store: memory.NewStore(), Cache: cache, Kind: "memory"}, nil
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, closeOnError(cache, fmt.Errorf("failed to open database: %w", err))
	}

	if cache == nil {
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
		return &Stores{Store: db, Kind: cfg.Database.Type}, nil
	}

	log.Info("using hybrid storage",
		zap.String("type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)
	return &Stores{
		Store: hybrid.NewStore(db, cache, cfg.Feed.CacheTTL, log),
		Cache: cache,
		Kind:  cfg.Database.Type + "+redis",
	}, nil
}

// Close 释放存储资源
func (s *Stores) Close() error {
	err := s.Store.Close()
	// 混合存储关闭时已经关闭了 Redis
	if _, ok := s.Store.(*hybrid.Store); !ok && s.Cache != nil {
		err = errors.Join(err, s.Cache.Close())
	}
	return err
}

func closeOnError(cache *redis.Cache, err error) error {
	if cache != nil {
		return errors.Join(err, cache.Close())
	}
	return err
}

// MigrateDatabase 打开数据库并迁移表结构
func MigrateDatabase(cfg config.DatabaseConfig) error {
	if cfg.Type == "" {
		return errors.New("database.type is not configured, memory storage needs no migration")
	}
	// Open 在连接建立后执行 AutoMigrate
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	return db.Close()
}
