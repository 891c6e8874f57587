package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter(t *testing.T) {
	t.Run("并发连接上限", func(t *testing.T) {
		l := NewConnectionLimiter(2, 0)
		assert.True(t, l.Acquire())
		assert.True(t, l.Acquire())
		assert.False(t, l.Acquire())
		assert.Equal(t, 2, l.Current())

		l.Release()
		assert.True(t, l.Acquire())
	})

	t.Run("新建速率限制", func(t *testing.T) {
		l := NewConnectionLimiter(0, 1)
		assert.True(t, l.Acquire())
		assert.False(t, l.Acquire())
		assert.Equal(t, 1, l.Current())
	})

	t.Run("重复释放不会变为负数", func(t *testing.T) {
		l := NewConnectionLimiter(1, 0)
		l.Release()
		assert.Equal(t, 0, l.Current())
	})
}
