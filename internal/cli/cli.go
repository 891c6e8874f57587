// Package cli 提供 feedctl 命令行工具。
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/bootstrap"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/logger"
	"mailfeed/backend/internal/service"
)

// App 命令运行时依赖
type App struct {
	// LoadConfig 加载配置，默认使用 config.Load
	LoadConfig func() (*config.Config, error)

	verbose bool
}

// NewRootCommand 创建 feedctl 根命令
func NewRootCommand(app *App) *cobra.Command {
	if app.LoadConfig == nil {
		app.LoadConfig = config.Load
	}

	root := &cobra.Command{
		Use:   "feedctl",
		Short: "邮件订阅源管理工具",
		Long: `feedctl 直接操作订阅源存储，与服务端使用相同的配置（MAILFEED_* 环境变量或 .env）。

使用示例：
  feedctl create "Example Newsletter"   # 创建订阅源
  feedctl show <reference>              # 查看订阅源及条目
  feedctl render <reference>            # 输出 Atom 文档
  feedctl migrate                       # 迁移数据库表结构`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "print debug logs to stderr")

	root.AddCommand(
		app.createCommand(),
		app.showCommand(),
		app.renderCommand(),
		app.migrateCommand(),
	)
	return root
}

// session 单次命令使用的配置与服务
type session struct {
	cfg    *config.Config
	stores *bootstrap.Stores
	feeds  *service.FeedService
}

func (a *App) open() (*session, error) {
	cfg, err := a.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := zap.NewNop()
	if a.verbose {
		log = logger.NewDevelopmentLogger()
	}

	stores, err := bootstrap.OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:    cfg,
		stores: stores,
		feeds:  service.NewFeedService(stores.Store, cfg, nil, log),
	}, nil
}

func (s *session) Close() {
	_ = s.stores.Close()
}

func (a *App) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "创建订阅源",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			feed, err := s.feeds.Create(cmd.Context(), service.CreateFeedInput{Title: strings.Join(args, " ")})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Title:     %s\n", feed.Title)
			fmt.Fprintf(out, "Reference: %s\n", feed.Reference)
			fmt.Fprintf(out, "Email:     %s\n", feed.Address(s.cfg.Feed.EmailHost))
			fmt.Fprintf(out, "Feed URL:  %s\n", atom.FeedURL(s.cfg.Server.BaseURL, feed.Reference))
			return nil
		},
	}
}

func (a *App) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reference>",
		Short: "查看订阅源及条目",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			return show(cmd.Context(), cmd.OutOrStdout(), s, args[0])
		},
	}
}

func show(ctx context.Context, out io.Writer, s *session, ref string) error {
	feed, entries, err := s.feeds.Entries(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Title:     %s\n", feed.Title)
	fmt.Fprintf(out, "Reference: %s\n", feed.Reference)
	fmt.Fprintf(out, "Email:     %s\n", feed.Address(s.cfg.Feed.EmailHost))
	fmt.Fprintf(out, "Feed URL:  %s\n", atom.FeedURL(s.cfg.Server.BaseURL, feed.Reference))
	fmt.Fprintf(out, "Updated:   %s\n", feed.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(out, "Entries:   %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %s  %s  %s\n",
			e.Reference, e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), e.Author, e.Title)
	}
	return nil
}

func (a *App) renderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "render <reference>",
		Short: "输出订阅源的 Atom 文档",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := s.feeds.Render(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (a *App) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "迁移数据库表结构",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := bootstrap.MigrateDatabase(cfg.Database); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema migrated\n", cfg.Database.Type)
			return nil
		},
	}
}
