package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
		assert.Equal(t, "localhost", cfg.Feed.EmailHost)
		assert.Equal(t, "mailfeed", cfg.Feed.URNNamespace)
		assert.Equal(t, 500000, cfg.Feed.MaxSizeBytes)
		assert.Equal(t, 5*time.Minute, cfg.Feed.CacheTTL)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, 50, cfg.SMTP.MaxRecipients)
		assert.Equal(t, 30*time.Second, cfg.SMTP.CommitTimeout)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Empty(t, cfg.Database.Type)
		assert.Empty(t, cfg.Redis.Address)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("MAILFEED_SERVER_HOST", "127.0.0.1")
		t.Setenv("MAILFEED_SERVER_PORT", "9090")
		t.Setenv("MAILFEED_SERVER_BASE_URL", "https://feeds.example.com/")
		t.Setenv("MAILFEED_FEED_EMAIL_HOST", "Mail.Example.com")
		t.Setenv("MAILFEED_FEED_MAX_SIZE_BYTES", "100000")
		t.Setenv("MAILFEED_SMTP_BIND_ADDR", ":25")
		t.Setenv("MAILFEED_SMTP_MAX_CONNECTIONS", "10")
		t.Setenv("MAILFEED_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("MAILFEED_LOG_LEVEL", "debug")
		t.Setenv("MAILFEED_LOG_DEVELOPMENT", "true")
		t.Setenv("MAILFEED_DATABASE_TYPE", "sqlite")
		t.Setenv("MAILFEED_REDIS_ADDRESS", "localhost:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "https://feeds.example.com", cfg.Server.BaseURL)
		assert.Equal(t, "mail.example.com", cfg.Feed.EmailHost)
		assert.Equal(t, 100000, cfg.Feed.MaxSizeBytes)
		assert.Equal(t, ":25", cfg.SMTP.BindAddr)
		assert.Equal(t, 10, cfg.SMTP.MaxConnections)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)
		assert.Equal(t, "sqlite", cfg.Database.Type)
		assert.Equal(t, "mailfeed.db?_busy_timeout=5000", cfg.Database.DSN)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	})

	t.Run("无效配置返回错误", func(t *testing.T) {
		tests := []struct {
			name  string
			key   string
			value string
		}{
			{"相对根地址", "MAILFEED_SERVER_BASE_URL", "/feeds"},
			{"非 http 根地址", "MAILFEED_SERVER_BASE_URL", "ftp://example.com"},
			{"空收件域名", "MAILFEED_FEED_EMAIL_HOST", " "},
			{"非正数大小上限", "MAILFEED_FEED_MAX_SIZE_BYTES", "0"},
			{"无效缓存时间", "MAILFEED_FEED_CACHE_TTL", "soon"},
			{"不支持的数据库", "MAILFEED_DATABASE_TYPE", "oracle"},
			{"缺少 DSN", "MAILFEED_DATABASE_TYPE", "postgres"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Setenv(tt.key, tt.value)
				_, err := Load()
				assert.Error(t, err)
			})
		}
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
}
