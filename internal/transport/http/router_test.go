package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailfeed/backend/internal/atom"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/health"
	"mailfeed/backend/internal/middleware"
	"mailfeed/backend/internal/monitoring"
	"mailfeed/backend/internal/service"
	"mailfeed/backend/internal/storage/memory"
	"mailfeed/backend/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	store   *memory.Store
	feeds   *service.FeedService
	metrics *monitoring.Metrics
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BaseURL: "https://feeds.example", AdminEmail: "admin@feeds.example"},
		Feed: config.FeedConfig{
			EmailHost:    "mail.example",
			URNNamespace: "mailfeed",
			MaxSizeBytes: 500000,
			CacheTTL:     time.Minute,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

func newTestEnv(t *testing.T, mutate func(*RouterDependencies)) *testEnv {
	t.Helper()
	cfg := testConfig()
	store := memory.NewStore()
	metrics := monitoring.NewMetrics()
	feeds := service.NewFeedService(store, cfg, metrics, zap.NewNop())

	deps := RouterDependencies{
		Config:      cfg,
		FeedService: feeds,
		Metrics:     metrics,
		Logger:      zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{router: NewRouter(deps), store: store, feeds: feeds, metrics: metrics}
}

func (e *testEnv) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createFeed(t *testing.T, name string) feedResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name})
	rec := e.do(http.MethodPost, "/v1/feeds", "application/json", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Code int          `json:"code"`
		Data feedResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func TestFeedAPI(t *testing.T) {
	t.Run("创建订阅源", func(t *testing.T) {
		env := newTestEnv(t, nil)
		feed := env.createFeed(t, "Example Newsletter")

		assert.Len(t, feed.Reference, 16)
		assert.Equal(t, "Example Newsletter", feed.Title)
		assert.Equal(t, feed.Reference+"@mail.example", feed.Email)
		assert.Equal(t, "https://feeds.example/feeds/"+feed.Reference+".xml", feed.FeedURL)
	})

	t.Run("名称为空返回422", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(http.MethodPost, "/v1/feeds", "application/json", `{"name": "   "}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "between 1 and 500")
	})

	t.Run("缺少名称返回422", func(t *testing.T) {
		env := newTestEnv(t, nil)
		for _, body := range []string{`{}`, `{"name": ""}`} {
			rec := env.do(http.MethodPost, "/v1/feeds", "application/json", body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
			assert.Contains(t, rec.Body.String(), "between 1 and 500", body)
		}
	})

	t.Run("请求体格式错误返回400", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(http.MethodPost, "/v1/feeds", "application/json", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("存储故障返回503", func(t *testing.T) {
		env := newTestEnv(t, nil)
		require.NoError(t, env.store.Close())
		rec := env.do(http.MethodPost, "/v1/feeds", "application/json", `{"name": "Broken"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("查询订阅源概要", func(t *testing.T) {
		env := newTestEnv(t, nil)
		feed := env.createFeed(t, "Summary")

		rec := env.do(http.MethodGet, "/v1/feeds/"+strings.ToUpper(feed.Reference), "", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data feedResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, feed.Reference, resp.Data.Reference)
		require.NotNil(t, resp.Data.EntryCount)
		assert.Equal(t, 1, *resp.Data.EntryCount)

		rec = env.do(http.MethodGet, "/v1/feeds/0000000000000000", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("限流", func(t *testing.T) {
		limiter := middleware.NewIPRateLimiter(0.001, 1)
		env := newTestEnv(t, func(d *RouterDependencies) { d.CreateLimiter = limiter })

		env.createFeed(t, "First")
		rec := env.do(http.MethodPost, "/v1/feeds", "application/json", `{"name": "Second"}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	})
}

func TestFeedDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	feed := env.createFeed(t, "Example Newsletter")

	t.Run("返回Atom文档", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/feeds/"+feed.Reference+".xml", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, atom.ContentType, rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, `<feed xmlns="http://www.w3.org/2005/Atom">`)
		assert.Contains(t, body, "<title>Example Newsletter</title>")
		assert.Contains(t, body, "Example Newsletter inbox created")
	})

	t.Run("未知订阅源返回404", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/feeds/0000000000000000.xml", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = env.do(http.MethodGet, "/feeds/not-a-reference.xml", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("缺少xml后缀返回404", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/feeds/"+feed.Reference, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("条目HTML页面使用受限CSP", func(t *testing.T) {
		_, entries, err := env.feeds.Entries(context.Background(), feed.Reference)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		rec := env.do(http.MethodGet, "/alternates/"+entries[0].Reference+".html", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, middleware.EntryContentSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
		assert.Contains(t, rec.Body.String(), "mailto:"+feed.Email)

		rec = env.do(http.MethodGet, "/alternates/0000000000000000.html", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWebPages(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("首页表单", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `<form method="post" action="/">`)
		assert.Contains(t, rec.Body.String(), "admin@feeds.example")
		assert.Equal(t, middleware.DefaultContentSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
	})

	t.Run("表单创建成功", func(t *testing.T) {
		form := url.Values{"name": {"Weekly <Digest>"}}
		rec := env.do(http.MethodPost, "/", "application/x-www-form-urlencoded", form.Encode())
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, "Weekly &lt;Digest&gt; inbox created")
		assert.Contains(t, body, "@mail.example")
		assert.Contains(t, body, "https://feeds.example/feeds/")
	})

	t.Run("名称无效时重新显示表单", func(t *testing.T) {
		form := url.Values{"name": {""}}
		rec := env.do(http.MethodPost, "/", "application/x-www-form-urlencoded", form.Encode())
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "Please try again.")
		assert.Contains(t, rec.Body.String(), `<form method="post" action="/">`)
	})

	t.Run("静态资源", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/static/style.css", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestOperationalEndpoints(t *testing.T) {
	t.Run("健康检查", func(t *testing.T) {
		checker := health.NewChecker("test", zap.NewNop())
		checker.AddReadiness("store", health.PingerFunc(func(context.Context) error { return nil }))
		env := newTestEnv(t, func(d *RouterDependencies) { d.Health = checker })

		rec := env.do(http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

		rec = env.do(http.MethodGet, "/health/ready", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = env.do(http.MethodGet, "/health/live", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("依赖不可用时返回503", func(t *testing.T) {
		checker := health.NewChecker("test", zap.NewNop())
		checker.AddReadiness("redis", health.PingerFunc(func(context.Context) error {
			return errors.New("connection refused")
		}))
		env := newTestEnv(t, func(d *RouterDependencies) { d.Health = checker })

		rec := env.do(http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		rec = env.do(http.MethodGet, "/health/ready", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Prometheus指标", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.createFeed(t, "Metrics")

		rec := env.do(http.MethodGet, "/metrics", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "mailfeed_feeds_created_total 1")
		assert.Contains(t, rec.Body.String(), `mailfeed_http_requests_total{method="POST",path="/v1/feeds",status="201"} 1`)
	})

	t.Run("未知路由返回404", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(http.MethodGet, "/nope", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestLiveEndpoint(t *testing.T) {
	hub := websocket.NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, func(d *RouterDependencies) { d.WebSocketHub = hub })

	t.Run("未知订阅源返回404", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/feeds/0000000000000000.xml/live", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("非WebSocket请求被拒绝", func(t *testing.T) {
		feed := env.createFeed(t, "Live")
		rec := env.do(http.MethodGet, "/feeds/"+feed.Reference+".xml/live", "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
