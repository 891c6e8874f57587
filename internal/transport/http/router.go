package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/health"
	"mailfeed/backend/internal/middleware"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/service"
	"mailfeed/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	FeedService   *service.FeedService
	WebSocketHub  *websocket.Hub            // 可选，为空时不提供实时推送
	Metrics       *monitoring.Metrics       // 可选
	Health        *health.Checker           // 可选
	CreateLimiter *middleware.IPRateLimiter // 可选，限制单个 IP 创建订阅源的频率
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RecoveryHandler(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	router.Use(gincors.New(corsConfig))

	if deps.Metrics != nil {
		monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
		router.Use(monitor.PanicRecovery())
		router.Use(monitor.HTTPMetrics())
	}

	router.SetHTMLTemplate(loadTemplates())
	router.StaticFS("/static", staticFiles())

	web := NewWebHandler(deps.FeedService, deps.Config.Server.AdminEmail, logger)
	feeds := NewFeedHandler(deps.FeedService, logger)

	createLimit := func(c *gin.Context) { c.Next() }
	if deps.CreateLimiter != nil {
		createLimit = middleware.RateLimit(deps.CreateLimiter)
	}

	// 页面
	router.GET("/", web.index)
	router.POST("/", createLimit, web.create)

	// 订阅源文档
	router.GET("/feeds/:file", feeds.feedDocument)
	router.GET("/alternates/:file",
		middleware.ContentSecurityPolicy(middleware.EntryContentSecurityPolicy),
		feeds.alternate)
	if deps.WebSocketHub != nil {
		router.GET("/feeds/:file/live", websocket.HandleWebSocket(deps.WebSocketHub, liveReference, feeds.resolveFeed))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		v1.POST("/feeds", createLimit, feeds.createFeed)
		v1.GET("/feeds/:reference", feeds.getFeed)
	}

	// 健康检查
	if deps.Health != nil {
		router.GET("/health", healthSummary(deps.Health))
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "not found")
	})

	return router
}

// healthSummary 返回所有依赖的健康状态
func healthSummary(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.Report(c.Request.Context())
		status := http.StatusOK
		if report.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
