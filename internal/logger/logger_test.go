package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	t.Run("生产模式输出 JSON", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Config{Level: "info", Output: &buf})
		require.NoError(t, err)

		log.Info("entry synthesized", zap.String("feed", "aaaabbbbccccdddd"))
		log.Debug("hidden")
		require.NoError(t, log.Sync())

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
		assert.Equal(t, "entry synthesized", line["message"])
		assert.Equal(t, "aaaabbbbccccdddd", line["feed"])
		assert.Equal(t, "info", line["level"])
	})

	t.Run("无效级别回退为 info", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Config{Level: "loud", Output: &buf})
		require.NoError(t, err)

		log.Debug("hidden")
		assert.Zero(t, buf.Len())
	})

	t.Run("写入日志文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "mailfeed.log")
		var buf bytes.Buffer
		log, err := NewLogger(Config{Level: "info", LogFile: path, Output: &buf})
		require.NoError(t, err)

		log.Info("to file")
		require.NoError(t, log.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
		assert.Contains(t, buf.String(), "to file")
	})
}
