package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
)

// MockStore 模拟存储接口
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateFeed(ctx context.Context, feed *domain.Feed, seed *domain.Entry) error {
	args := m.Called(ctx, feed, seed)
	return args.Error(0)
}

func (m *MockStore) GetFeedByReference(ctx context.Context, reference string) (*domain.Feed, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Feed), args.Error(1)
}

func (m *MockStore) CountEntries(ctx context.Context, feedID string) (int, error) {
	args := m.Called(ctx, feedID)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListEntries(ctx context.Context, feedID string) ([]domain.Entry, error) {
	args := m.Called(ctx, feedID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Entry), args.Error(1)
}

func (m *MockStore) GetEntryByReference(ctx context.Context, reference string) (*domain.Entry, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Entry), args.Error(1)
}

func (m *MockStore) AppendEntry(ctx context.Context, feedID string, entry *domain.Entry, trim domain.TrimFunc) (int, error) {
	args := m.Called(ctx, feedID, entry, trim)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) Close() error  { return nil }
func (m *MockStore) Health() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BaseURL: "https://feeds.example"},
		Feed: config.FeedConfig{
			EmailHost:    "mail.example",
			URNNamespace: "mailfeed",
			MaxSizeBytes: 500000,
			CacheTTL:     time.Minute,
		},
	}
}

// sequence 依次返回给定引用，用尽后返回 fallback 的结果。
func sequence(fallback func() string, refs ...string) func() string {
	i := 0
	return func() string {
		if i < len(refs) {
			i++
			return refs[i-1]
		}
		return fallback()
	}
}
