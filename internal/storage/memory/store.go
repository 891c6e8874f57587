package memory

import (
	"context"
	"errors"
	"sync"

	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/pool"
)

// ErrClosed 存储已关闭。
var ErrClosed = errors.New("memory store closed")

// Store 使用内存保存订阅源与条目，主要用于开发验证和测试。
//
// 同一订阅源的追加操作通过按订阅源 ID 加锁串行化，不同订阅源之间并行。
// 提交阶段只在全局写锁内替换已计算好的结果，读取方不会看到中间状态。
type Store struct {
	mu          sync.RWMutex
	feeds       map[string]*domain.Feed   // feedID -> feed
	byReference map[string]string         // feed reference -> feedID
	entries     map[string][]domain.Entry // feedID -> entries，最新在前
	entryFeed   map[string]string         // entry reference -> feedID
	closed      bool

	feedLocks *pool.KeyedMutex
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		feeds:       make(map[string]*domain.Feed),
		byReference: make(map[string]string),
		entries:     make(map[string][]domain.Entry),
		entryFeed:   make(map[string]string),
		feedLocks:   pool.NewKeyedMutex(),
	}
}

// CreateFeed 保存订阅源及首条条目。
func (s *Store) CreateFeed(ctx context.Context, feed *domain.Feed, seed *domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.byReference[feed.Reference]; exists {
		return domain.ErrReferenceCollision
	}

	stored := *feed
	var list []domain.Entry
	if seed != nil {
		if _, exists := s.entryFeed[seed.Reference]; exists {
			return domain.ErrReferenceCollision
		}
		stored.LastEntrySeq++
		seed.FeedID = stored.ID
		seed.Seq = stored.LastEntrySeq
		list = []domain.Entry{*seed}
		s.entryFeed[seed.Reference] = stored.ID
	}

	s.feeds[stored.ID] = &stored
	s.byReference[stored.Reference] = stored.ID
	s.entries[stored.ID] = list
	feed.LastEntrySeq = stored.LastEntrySeq
	return nil
}

// GetFeedByReference 根据引用获取订阅源。
func (s *Store) GetFeedByReference(ctx context.Context, reference string) (*domain.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReference[reference]
	if !ok {
		return nil, domain.ErrFeedNotFound
	}
	feed := *s.feeds[id]
	return &feed, nil
}

// CountEntries 返回订阅源的条目数量。
func (s *Store) CountEntries(ctx context.Context, feedID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.feeds[feedID]; !ok {
		return 0, domain.ErrFeedNotFound
	}
	return len(s.entries[feedID]), nil
}

// ListEntries 返回订阅源全部条目的快照，最新在前。
func (s *Store) ListEntries(ctx context.Context, feedID string) ([]domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.feeds[feedID]; !ok {
		return nil, domain.ErrFeedNotFound
	}
	return append([]domain.Entry(nil), s.entries[feedID]...), nil
}

// GetEntryByReference 根据引用获取条目。
func (s *Store) GetEntryByReference(ctx context.Context, reference string) (*domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	feedID, ok := s.entryFeed[reference]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	for i := range s.entries[feedID] {
		if s.entries[feedID][i].Reference == reference {
			entry := s.entries[feedID][i]
			return &entry, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

// AppendEntry 追加条目并按 trim 结果淘汰最旧条目。
func (s *Store) AppendEntry(ctx context.Context, feedID string, entry *domain.Entry, trim domain.TrimFunc) (int, error) {
	unlock := s.feedLocks.Lock(feedID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// 计算阶段：基于快照构造新状态，不修改共享数据。
	s.mu.RLock()
	current, ok := s.feeds[feedID]
	if !ok {
		s.mu.RUnlock()
		return 0, domain.ErrFeedNotFound
	}
	updated := *current
	existing := s.entries[feedID]
	s.mu.RUnlock()

	updated.LastEntrySeq++
	updated.UpdatedAt = entry.CreatedAt

	next := *entry
	next.FeedID = feedID
	next.Seq = updated.LastEntrySeq

	list := make([]domain.Entry, 0, len(existing)+1)
	list = append(list, next)
	list = append(list, existing...)

	keep := len(list)
	if trim != nil {
		var err error
		keep, err = trim(&updated, list)
		if err != nil {
			return 0, err
		}
		keep = max(0, min(keep, len(list)))
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// 提交阶段
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if _, exists := s.entryFeed[next.Reference]; exists {
		return 0, domain.ErrReferenceCollision
	}

	for _, evicted := range list[keep:] {
		delete(s.entryFeed, evicted.Reference)
	}
	if keep > 0 {
		s.entryFeed[next.Reference] = feedID
	}
	s.entries[feedID] = list[:keep:keep]
	s.feeds[feedID] = &updated

	entry.FeedID = next.FeedID
	entry.Seq = next.Seq
	return len(list) - keep, nil
}

// Close 关闭存储。
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Health 检查存储可用性。
func (s *Store) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
