package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/cache"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/reference"
	"mailfeed/backend/internal/storage"
)

// RenderCache 渲染结果的共享缓存（Redis）。
//
// FeedVersion 在回源之前取得，CacheRenderedFeed 只在版本未变化时写入。
type RenderCache interface {
	FeedVersion(ctx context.Context, reference string) (int64, error)
	CacheRenderedFeed(ctx context.Context, reference string, data []byte, version int64, ttl time.Duration) (bool, error)
	GetCachedRenderedFeed(ctx context.Context, reference string) ([]byte, error)
	InvalidateFeed(ctx context.Context, reference string) error
}

// FeedService 封装订阅源的创建、查询与渲染。
type FeedService struct {
	store   storage.Store
	opts    atom.Options
	ttl     time.Duration
	local   *cache.LocalCache
	remote  RenderCache
	metrics *monitoring.Metrics
	logger  *zap.Logger

	newReference func() string
	now          func() time.Time
}

// NewFeedService 创建订阅源业务服务。
func NewFeedService(store storage.Store, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) *FeedService {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedService{
		store:        store,
		opts:         AtomOptions(cfg),
		ttl:          cfg.Feed.CacheTTL,
		metrics:      metrics,
		logger:       logger,
		newReference: reference.New,
		now:          time.Now,
	}
}

// AtomOptions 从配置构造渲染参数。
func AtomOptions(cfg *config.Config) atom.Options {
	return atom.Options{
		BaseURL:      cfg.Server.BaseURL,
		URNNamespace: cfg.Feed.URNNamespace,
		EmailHost:    cfg.Feed.EmailHost,
	}
}

// SetLocalCache 启用进程内渲染缓存。
func (s *FeedService) SetLocalCache(c *cache.LocalCache) {
	s.local = c
}

// SetRenderCache 启用共享渲染缓存。
func (s *FeedService) SetRenderCache(c RenderCache) {
	s.remote = c
}

// Options 返回渲染参数。
func (s *FeedService) Options() atom.Options {
	return s.opts
}

// CreateFeedInput 定义创建订阅源所需的输入。
type CreateFeedInput struct {
	Title string
}

// Create 创建订阅源及其首条系统条目，引用冲突时重新生成并重试一次。
func (s *FeedService) Create(ctx context.Context, input CreateFeedInput) (*domain.Feed, error) {
	title, err := domain.NormalizeTitle(input.Title)
	if err != nil {
		return nil, err
	}

	var (
		feed    *domain.Feed
		lastErr error
	)
	err = retry.Do(
		func() error {
			now := s.now().UTC().Truncate(time.Second)
			feed = &domain.Feed{
				ID:        uuid.NewString(),
				Reference: s.newReference(),
				Title:     title,
				CreatedAt: now,
				UpdatedAt: now,
			}
			seed := s.seedEntry(feed)

			lastErr = s.store.CreateFeed(ctx, feed, seed)
			if errors.Is(lastErr, domain.ErrReferenceCollision) {
				s.metrics.RecordReferenceCollision()
			}
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("feed reference collided, regenerating", zap.Uint("attempt", n), zap.Error(err))
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrReferenceCollision)
		}),
	)
	if err != nil {
		return nil, storageError("create feed", lastErr, err)
	}

	s.metrics.RecordFeedCreated()
	s.logger.Info("feed created", zap.String("feed", feed.Reference))
	return feed, nil
}

// seedEntry 构造订阅源的首条系统条目。
func (s *FeedService) seedEntry(feed *domain.Feed) *domain.Entry {
	address := html.EscapeString(feed.Address(s.opts.EmailHost))
	content := fmt.Sprintf(
		`<p>Subscribe to newsletters with <a href="mailto:%[1]s">%[1]s</a>.</p>`+
			`<p>New messages sent to this address will appear in this feed.</p>`,
		address,
	)
	return &domain.Entry{
		ID:        uuid.NewString(),
		Reference: s.newReference(),
		Title:     feed.Title + " inbox created",
		Author:    domain.SystemAuthor,
		Content:   content,
		CreatedAt: feed.CreatedAt,
	}
}

// Get 根据引用获取订阅源。
func (s *FeedService) Get(ctx context.Context, ref string) (*domain.Feed, error) {
	ref = normalizeReference(ref)
	if !reference.Valid(ref) {
		return nil, domain.ErrFeedNotFound
	}
	return s.store.GetFeedByReference(ctx, ref)
}

// Summary 返回订阅源及条目数量。
func (s *FeedService) Summary(ctx context.Context, ref string) (*domain.FeedSummary, error) {
	feed, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountEntries(ctx, feed.ID)
	if err != nil {
		return nil, err
	}
	return &domain.FeedSummary{Feed: *feed, EntryCount: count}, nil
}

// Entries 返回订阅源全部条目，最新在前。
func (s *FeedService) Entries(ctx context.Context, ref string) (*domain.Feed, []domain.Entry, error) {
	feed, err := s.Get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.store.ListEntries(ctx, feed.ID)
	if err != nil {
		return nil, nil, err
	}
	return feed, entries, nil
}

// Entry 根据引用获取单条条目。
func (s *FeedService) Entry(ctx context.Context, ref string) (*domain.Entry, error) {
	ref = normalizeReference(ref)
	if !reference.Valid(ref) {
		return nil, domain.ErrEntryNotFound
	}
	return s.store.GetEntryByReference(ctx, ref)
}

// Render 返回订阅源的 Atom 文档，依次查询进程内缓存、共享缓存，最后实时渲染。
//
// 两级缓存都在读取存储之前记下版本，渲染期间有条目写入时结果不回填。
func (s *FeedService) Render(ctx context.Context, ref string) ([]byte, error) {
	ref = normalizeReference(ref)
	if !reference.Valid(ref) {
		return nil, domain.ErrFeedNotFound
	}

	var localVersion uint64
	if s.local != nil {
		if data, ok := s.local.Get(ref); ok {
			return data, nil
		}
		localVersion = s.local.Version(ref)
	}

	var (
		remoteVersion int64
		remoteErr     error
	)
	if s.remote != nil {
		if data, err := s.remote.GetCachedRenderedFeed(ctx, ref); err == nil {
			s.storeLocal(ref, data, localVersion)
			return data, nil
		}
		remoteVersion, remoteErr = s.remote.FeedVersion(ctx, ref)
		if remoteErr != nil {
			s.logger.Warn("failed to read render cache version", zap.String("feed", ref), zap.Error(remoteErr))
		}
	}

	feed, entries, err := s.Entries(ctx, ref)
	if err != nil {
		return nil, err
	}
	data, err := atom.Render(feed, entries, s.opts)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordFeedRender(len(data))

	s.storeLocal(ref, data, localVersion)
	if s.remote != nil && remoteErr == nil {
		if _, err := s.remote.CacheRenderedFeed(ctx, ref, data, remoteVersion, s.ttl); err != nil {
			s.logger.Warn("failed to cache rendered feed", zap.String("feed", ref), zap.Error(err))
		}
	}
	return data, nil
}

func (s *FeedService) storeLocal(ref string, data []byte, version uint64) {
	if s.local != nil {
		s.local.SetIfVersion(ref, data, s.ttl, version)
	}
}

// Invalidate 在订阅源发生变化后清除缓存。
func (s *FeedService) Invalidate(ctx context.Context, ref string) {
	s.InvalidateLocal(ref)
	if s.remote != nil {
		if err := s.remote.InvalidateFeed(ctx, ref); err != nil {
			s.logger.Warn("failed to invalidate rendered feed", zap.String("feed", ref), zap.Error(err))
		}
	}
}

// InvalidateLocal 只清除进程内缓存，用于其他实例写入的条目。
func (s *FeedService) InvalidateLocal(ref string) {
	if s.local != nil {
		s.local.Delete(normalizeReference(ref))
	}
}

// storageError 把重试后的最终错误归类：领域错误原样返回，引用冲突与其他故障归为 ErrStorage。
func storageError(op string, lastErr, retryErr error) error {
	if lastErr == nil {
		lastErr = retryErr
	}
	switch {
	case errors.Is(lastErr, domain.ErrFeedNotFound), errors.Is(lastErr, domain.ErrStorage):
		return lastErr
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, lastErr)
	}
}

// normalizeReference 邮箱本地部分不区分大小写。
func normalizeReference(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
