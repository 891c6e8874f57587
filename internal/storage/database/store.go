// Package database 基于 GORM 的订阅源存储，支持 SQLite、PostgreSQL 和 MySQL。
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
)

// Store 数据库存储实现
//
// 追加条目时先对订阅源行执行 UPDATE（获得行锁并推进序号），同一订阅源的事务因此串行执行，
// 插入、裁剪与淘汰在同一事务中提交或回滚。
type Store struct {
	db *gorm.DB
}

// Open 根据配置打开数据库存储。
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = gormmysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: sqlite, postgres, mysql)", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if dialector.Name() == "sqlite" {
		// SQLite 只允许单个写入者
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Feed{},
		&domain.Entry{},
	)
}

// ========== Feed Repository ==========

// CreateFeed 在同一事务中保存订阅源及首条条目
func (s *Store) CreateFeed(ctx context.Context, feed *domain.Feed, seed *domain.Entry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if seed != nil {
			feed.LastEntrySeq++
		}
		if err := tx.Create(feed).Error; err != nil {
			return err
		}
		if seed == nil {
			return nil
		}
		seed.FeedID = feed.ID
		seed.Seq = feed.LastEntrySeq
		return tx.Create(seed).Error
	})
	if err != nil {
		if seed != nil {
			feed.LastEntrySeq--
		}
		return translate(err, domain.ErrFeedNotFound)
	}
	return nil
}

// GetFeedByReference 根据引用获取订阅源
func (s *Store) GetFeedByReference(ctx context.Context, reference string) (*domain.Feed, error) {
	var feed domain.Feed
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&feed).Error
	if err != nil {
		return nil, translate(err, domain.ErrFeedNotFound)
	}
	return &feed, nil
}

// CountEntries 返回订阅源的条目数量
func (s *Store) CountEntries(ctx context.Context, feedID string) (int, error) {
	db := s.db.WithContext(ctx)
	if err := feedExists(db, feedID); err != nil {
		return 0, err
	}

	var n int64
	if err := db.Model(&domain.Entry{}).Where("feed_id = ?", feedID).Count(&n).Error; err != nil {
		return 0, translate(err, domain.ErrEntryNotFound)
	}
	return int(n), nil
}

// ========== Entry Repository ==========

// ListEntries 返回订阅源全部条目，最新在前
func (s *Store) ListEntries(ctx context.Context, feedID string) ([]domain.Entry, error) {
	db := s.db.WithContext(ctx)
	if err := feedExists(db, feedID); err != nil {
		return nil, err
	}

	var entries []domain.Entry
	if err := db.Where("feed_id = ?", feedID).Order("seq DESC").Find(&entries).Error; err != nil {
		return nil, translate(err, domain.ErrEntryNotFound)
	}
	return entries, nil
}

// GetEntryByReference 根据引用获取条目
func (s *Store) GetEntryByReference(ctx context.Context, reference string) (*domain.Entry, error) {
	var entry domain.Entry
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&entry).Error
	if err != nil {
		return nil, translate(err, domain.ErrEntryNotFound)
	}
	return &entry, nil
}

// AppendEntry 在事务中追加条目并淘汰最旧条目
func (s *Store) AppendEntry(ctx context.Context, feedID string, entry *domain.Entry, trim domain.TrimFunc) (int, error) {
	var (
		evicted int
		seq     int64
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Feed{}).
			Where("id = ?", feedID).
			Updates(map[string]interface{}{
				"last_entry_seq": gorm.Expr("last_entry_seq + 1"),
				"updated_at":     entry.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrFeedNotFound
		}

		var feed domain.Feed
		if err := tx.Where("id = ?", feedID).First(&feed).Error; err != nil {
			return err
		}

		next := *entry
		next.FeedID = feedID
		next.Seq = feed.LastEntrySeq
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		seq = next.Seq

		if trim == nil {
			return nil
		}

		var entries []domain.Entry
		if err := tx.Where("feed_id = ?", feedID).Order("seq DESC").Find(&entries).Error; err != nil {
			return err
		}
		keep, err := trim(&feed, entries)
		if err != nil {
			return err
		}
		keep = max(0, min(keep, len(entries)))
		if keep == len(entries) {
			return nil
		}

		res = tx.Where("feed_id = ? AND seq <= ?", feedID, entries[keep].Seq).Delete(&domain.Entry{})
		if res.Error != nil {
			return res.Error
		}
		evicted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, translate(err, domain.ErrFeedNotFound)
	}

	entry.FeedID = feedID
	entry.Seq = seq
	return evicted, nil
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func feedExists(db *gorm.DB, feedID string) error {
	var n int64
	if err := db.Model(&domain.Feed{}).Where("id = ?", feedID).Count(&n).Error; err != nil {
		return translate(err, domain.ErrFeedNotFound)
	}
	if n == 0 {
		return domain.ErrFeedNotFound
	}
	return nil
}

// translate 把驱动错误映射为领域错误。
func translate(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrFeedNotFound),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrReferenceCollision),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound
	case isUniqueViolation(err):
		return domain.ErrReferenceCollision
	default:
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
}

// isUniqueViolation 判断是否为唯一约束冲突。
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return false
}
