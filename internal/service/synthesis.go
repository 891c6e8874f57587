package service

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/reference"
	"mailfeed/backend/internal/storage"
)

// SynthesizeInput 一封已解析邮件投递到一个订阅源所需的内容。
type SynthesizeInput struct {
	FeedReference string
	Subject       string
	From          string
	HTML          string
	Text          string
}

// SynthesisService 把邮件转换为订阅源条目并在大小上限内提交。
type SynthesisService struct {
	store    storage.Store
	feeds    *FeedService
	notifier *Notifier
	opts     atom.Options
	maxBytes int
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	newReference func() string
	now          func() time.Time
}

// NewSynthesisService 创建条目合成服务。
func NewSynthesisService(store storage.Store, feeds *FeedService, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) *SynthesisService {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SynthesisService{
		store:        store,
		feeds:        feeds,
		opts:         AtomOptions(cfg),
		maxBytes:     cfg.Feed.MaxSizeBytes,
		metrics:      metrics,
		logger:       logger,
		newReference: reference.New,
		now:          time.Now,
	}
}

// SetNotifier 设置新条目事件分发器。
func (s *SynthesisService) SetNotifier(n *Notifier) {
	s.notifier = n
}

// SynthesizeEntry 为订阅源追加一条条目并淘汰超出大小上限的最旧条目。
//
// 错误：
//   - domain.ErrFeedNotFound: 引用未对应任何订阅源
//   - domain.ErrStorage: 存储故障或引用连续冲突，订阅源保持调用前的状态
func (s *SynthesisService) SynthesizeEntry(ctx context.Context, input SynthesizeInput) (*domain.Entry, error) {
	ref := normalizeReference(input.FeedReference)
	if !reference.Valid(ref) {
		return nil, domain.ErrFeedNotFound
	}

	feed, err := s.store.GetFeedByReference(ctx, ref)
	if err != nil {
		return nil, storageError("resolve feed", err, err)
	}

	content := input.HTML
	if content == "" {
		content = TextToHTML(input.Text)
	}

	entry := &domain.Entry{
		Title:   input.Subject,
		Author:  input.From,
		Content: content,
	}

	var (
		evicted int
		lastErr error
	)
	err = retry.Do(
		func() error {
			entry.ID = uuid.NewString()
			entry.Reference = s.newReference()
			entry.CreatedAt = s.now().UTC().Truncate(time.Second)

			evicted, lastErr = s.store.AppendEntry(ctx, feed.ID, entry, s.trim)
			if errors.Is(lastErr, domain.ErrReferenceCollision) {
				s.metrics.RecordReferenceCollision()
			}
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("entry reference collided, regenerating",
				zap.String("feed", feed.Reference),
				zap.Uint("attempt", n),
				zap.Error(err),
			)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrReferenceCollision)
		}),
	)
	if err != nil {
		return nil, storageError("append entry", lastErr, err)
	}

	s.metrics.RecordEntrySynthesized(evicted)
	s.logger.Info("entry synthesized",
		zap.String("feed", feed.Reference),
		zap.String("entry", entry.Reference),
		zap.Int("evicted", evicted),
	)

	if s.feeds != nil {
		s.feeds.Invalidate(ctx, feed.Reference)
	}
	s.notifier.Notify(ctx, feed, entry)

	return entry, nil
}

// trim 在存储的原子操作内计算需要保留的最新条目数。
func (s *SynthesisService) trim(feed *domain.Feed, entries []domain.Entry) (int, error) {
	if s.maxBytes <= 0 {
		return len(entries), nil
	}
	return atom.Fit(feed, entries, s.opts, s.maxBytes)
}
