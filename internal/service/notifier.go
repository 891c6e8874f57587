package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/pool"
)

// EntryPublisher 接收新条目事件的下游（WebSocket、Redis 频道）。
type EntryPublisher interface {
	PublishEntry(ctx context.Context, event *domain.EntryEvent) error
}

// Notifier 在工作池中异步分发新条目事件，分发失败不影响已提交的条目。
type Notifier struct {
	pool        *pool.WorkerPool
	publishers  []EntryPublisher
	timeout     time.Duration
	enqueueWait time.Duration
	logger      *zap.Logger
}

// NewNotifier 创建事件分发器。
func NewNotifier(workers *pool.WorkerPool, logger *zap.Logger, publishers ...EntryPublisher) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		pool:        workers,
		publishers:  publishers,
		timeout:     5 * time.Second,
		enqueueWait: 100 * time.Millisecond,
		logger:      logger,
	}
}

// NewEntryEvent 根据已提交的条目构造事件。
func NewEntryEvent(feed *domain.Feed, entry *domain.Entry) *domain.EntryEvent {
	return &domain.EntryEvent{
		Feed:      feed.Reference,
		Reference: entry.Reference,
		Title:     entry.Title,
		Author:    entry.Author,
		Preview:   Preview(entry.Content, PreviewLength),
		CreatedAt: entry.CreatedAt,
	}
}

// Notify 提交分发任务，队列在 enqueueWait 内仍无空位时丢弃事件。
func (n *Notifier) Notify(ctx context.Context, feed *domain.Feed, entry *domain.Entry) {
	if n == nil || len(n.publishers) == 0 {
		return
	}
	feedCopy, entryCopy := *feed, *entry

	enqueueCtx, cancel := context.WithTimeout(ctx, n.enqueueWait)
	defer cancel()
	ok := n.pool.Submit(enqueueCtx, func() {
		event := NewEntryEvent(&feedCopy, &entryCopy)

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		for _, p := range n.publishers {
			if err := p.PublishEntry(ctx, event); err != nil {
				n.logger.Warn("failed to publish entry event",
					zap.String("feed", event.Feed),
					zap.String("entry", event.Reference),
					zap.Error(err),
				)
			}
		}
	})
	if !ok {
		n.logger.Warn("notification queue full, dropping entry event",
			zap.String("feed", feed.Reference),
			zap.String("entry", entry.Reference),
		)
	}
}
