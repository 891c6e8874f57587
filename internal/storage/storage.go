package storage

import (
	"context"

	"mailfeed/backend/internal/domain"
)

// FeedRepository 定义订阅源数据存取操作。
type FeedRepository interface {
	// CreateFeed 原子地写入订阅源及其首条（系统）条目。
	// 引用冲突时返回 domain.ErrReferenceCollision。
	CreateFeed(ctx context.Context, feed *domain.Feed, seed *domain.Entry) error
	// GetFeedByReference 按引用查询订阅源，不存在时返回 domain.ErrFeedNotFound。
	GetFeedByReference(ctx context.Context, reference string) (*domain.Feed, error)
	// CountEntries 返回订阅源当前的条目数量。
	CountEntries(ctx context.Context, feedID string) (int, error)
}

// EntryRepository 定义条目数据存取操作。
type EntryRepository interface {
	// ListEntries 返回订阅源的全部条目，最新在前。
	ListEntries(ctx context.Context, feedID string) ([]domain.Entry, error)
	// GetEntryByReference 按引用查询条目，不存在时返回 domain.ErrEntryNotFound。
	GetEntryByReference(ctx context.Context, reference string) (*domain.Entry, error)
	// AppendEntry 在单个原子操作内追加条目、推进订阅源的 updatedAt，并按 trim 的结果淘汰最旧条目。
	//
	// 同一订阅源上的调用严格串行；trim 返回错误或 ctx 被取消时不产生任何可见修改。
	// 返回被淘汰的条目数量。
	AppendEntry(ctx context.Context, feedID string, entry *domain.Entry, trim domain.TrimFunc) (evicted int, err error)
}

// Store 定义完整的存储接口。
type Store interface {
	FeedRepository
	EntryRepository

	// 工具方法
	Close() error
	Health() error
}
