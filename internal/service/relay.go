package service

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"mailfeed/backend/internal/domain"
)

// EntryStream 跨实例的新条目事件流（Redis 频道）。
type EntryStream interface {
	ConsumeEntries(ctx context.Context, handle func(*domain.EntryEvent)) error
}

// LiveHub 本实例的实时推送端。
type LiveHub interface {
	EntryPublisher
	Subscribers(feed string) int
}

// Relay 把事件流中的新条目转交给本实例：清除进程内渲染缓存，并推送给在线订阅者。
//
// 配置 Redis 时所有实例都只向频道发布事件，由各自的 Relay 完成本地推送。
type Relay struct {
	stream EntryStream
	feeds  *FeedService
	hub    LiveHub
	logger *zap.Logger
}

// NewRelay 创建事件中继，feeds 与 hub 均可为 nil。
func NewRelay(stream EntryStream, feeds *FeedService, hub LiveHub, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		stream: stream,
		feeds:  feeds,
		hub:    hub,
		logger: logger,
	}
}

// Run 持续消费事件直到 ctx 结束，订阅失败时退避重连。
func (r *Relay) Run(ctx context.Context) {
	_ = retry.Do(
		func() error {
			return r.stream.ConsumeEntries(ctx, func(event *domain.EntryEvent) {
				r.handle(ctx, event)
			})
		},
		retry.UntilSucceeded(),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("entry event subscription failed, retrying", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

func (r *Relay) handle(ctx context.Context, event *domain.EntryEvent) {
	if r.feeds != nil {
		r.feeds.InvalidateLocal(event.Feed)
	}
	if r.hub == nil || r.hub.Subscribers(event.Feed) == 0 {
		return
	}
	if err := r.hub.PublishEntry(ctx, event); err != nil {
		r.logger.Warn("failed to relay entry event",
			zap.String("feed", event.Feed),
			zap.String("entry", event.Reference),
			zap.Error(err),
		)
	}
}
