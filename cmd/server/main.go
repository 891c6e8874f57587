package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailfeed/backend/internal/bootstrap"
	"mailfeed/backend/internal/cache"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/health"
	"mailfeed/backend/internal/logger"
	"mailfeed/backend/internal/middleware"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/pool"
	"mailfeed/backend/internal/service"
	"mailfeed/backend/internal/smtp"
	httptransport "mailfeed/backend/internal/transport/http"
	"mailfeed/backend/internal/websocket"
)

const version = "1.0.0"

// main 启动同时包含 HTTP 与 SMTP 的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailfeed server",
		zap.String("version", version),
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("email_host", cfg.Feed.EmailHost),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	stores, err := bootstrap.OpenStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()

	// 渲染缓存：进程内缓存在前，Redis 在后
	localCache := cache.NewLocalCache(4096, cfg.Feed.CacheTTL)
	feedService := service.NewFeedService(stores.Store, cfg, metrics, log)
	feedService.SetLocalCache(localCache)
	if stores.Cache != nil {
		feedService.SetRenderCache(stores.Cache)
	}

	// 实时推送：未配置 Redis 时直接推送到 WebSocket；
	// 配置 Redis 时只发布到频道，由各实例的 Relay 推送并清除进程内缓存
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)
	var (
		publishers []service.EntryPublisher
		relay      *service.Relay
	)
	if stores.Cache != nil {
		publishers = []service.EntryPublisher{stores.Cache}
		relay = service.NewRelay(stores.Cache, feedService, wsHub, log)
	} else {
		publishers = []service.EntryPublisher{wsHub}
	}
	workers := pool.NewWorkerPool(4, 1024, log)
	workers.Start(context.Background())

	synthesis := service.NewSynthesisService(stores.Store, feedService, cfg, metrics, log)
	synthesis.SetNotifier(service.NewNotifier(workers, log, publishers...))

	// 健康检查
	healthChecker := health.NewChecker(version, log)
	healthChecker.AddReadiness("store", health.PingerFunc(func(context.Context) error {
		return stores.Store.Health()
	}))
	if stores.Cache != nil {
		healthChecker.AddReadiness("redis", stores.Cache)
	}

	createLimiter := middleware.NewIPRateLimiter(cfg.Feed.CreateRate, cfg.Feed.CreateBurst)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		FeedService:   feedService,
		WebSocketHub:  wsHub,
		Metrics:       metrics,
		Health:        healthChecker,
		CreateLimiter: createLimiter,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器
	smtpBackend := smtp.NewBackend(synthesis, cfg, metrics, log)
	smtpServer := smtp.NewServer(smtpBackend, cfg.SMTP)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	if relay != nil {
		group.Go(func() error {
			log.Info("starting entry event relay")
			relay.Run(groupCtx)
			return nil
		})
	}

	// 定时清理过期的渲染缓存与空闲的限流记录
	group.Go(func() error {
		localCache.Run(groupCtx, time.Minute)
		return nil
	})
	group.Go(func() error {
		createLimiter.Run(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先停止接收新邮件并等待进行中的投递完成，再关闭 HTTP
		if err := smtpBackend.Shutdown(shutdownCtx, smtpServer); err != nil {
			log.Warn("SMTP server shutdown timed out, connections closed", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等待已提交的推送任务完成
		workers.Stop()

		if err := stores.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
