package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger 可探测的依赖组件
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 允许普通函数作为 Pinger
type PingerFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Check 单项检查结果
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 健康报告
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Checks    []Check   `json:"checks"`
	Version   string    `json:"version,omitempty"`
}

// Checker 健康检查器
type Checker struct {
	handler   healthcheck.Handler
	names     []string
	deps      map[string]Pinger
	timeout   time.Duration
	startTime time.Time
	version   string
	logger    *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(version string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		handler:   healthcheck.NewHandler(),
		deps:      make(map[string]Pinger),
		timeout:   5 * time.Second,
		startTime: time.Now(),
		version:   version,
		logger:    logger,
	}
}

// AddReadiness 注册就绪检查依赖（存储、缓存等）
func (c *Checker) AddReadiness(name string, dep Pinger) {
	c.names = append(c.names, name)
	c.deps[name] = dep
	c.handler.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return dep.Ping(ctx)
	}, c.timeout))
}

// AddLiveness 注册存活检查
func (c *Checker) AddLiveness(name string, check healthcheck.Check) {
	c.handler.AddLivenessCheck(name, check)
}

// LiveHandler 存活探针
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(c.handler.LiveEndpoint)
}

// ReadyHandler 就绪探针
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(c.handler.ReadyEndpoint)
}

// Report 执行全部就绪检查并生成报告
func (c *Checker) Report(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Checks:    make([]Check, 0, len(c.names)),
		Version:   c.version,
	}

	for _, name := range c.names {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.deps[name].Ping(checkCtx)
		cancel()

		check := Check{Name: name, Status: StatusHealthy, Duration: time.Since(start)}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			report.Status = StatusUnhealthy
			c.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
		report.Checks = append(report.Checks, check)
	}

	return report
}
