package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行全部任务", func(t *testing.T) {
		p := NewWorkerPool(4, 100, nil)
		p.Start(context.Background())

		var count atomic.Int32
		for i := 0; i < 50; i++ {
			require.True(t, p.Submit(context.Background(), func() { count.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int32(50), count.Load())
	})

	t.Run("任务 panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 10, nil)
		p.Start(context.Background())

		var done atomic.Bool
		require.True(t, p.Submit(context.Background(), func() { panic("boom") }))
		require.True(t, p.Submit(context.Background(), func() { done.Store(true) }))
		p.Stop()

		assert.True(t, done.Load())
	})

	t.Run("队列已满时 Submit 等到 ctx 结束", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		// 不启动工作协程，队列只能容纳一个任务
		assert.True(t, p.Submit(context.Background(), func() {}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		assert.False(t, p.Submit(ctx, func() {}))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("停止后拒绝提交", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.False(t, p.Submit(context.Background(), func() {}))
	})

	t.Run("队列空出后阻塞的 Submit 成功", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		require.True(t, p.Submit(context.Background(), func() {}))

		submitted := make(chan bool, 1)
		go func() { submitted <- p.Submit(context.Background(), func() {}) }()

		p.Start(context.Background())
		select {
		case ok := <-submitted:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("Submit did not unblock")
		}
		p.Stop()
	})
}

func TestKeyedMutex(t *testing.T) {
	t.Run("同一键互斥", func(t *testing.T) {
		k := NewKeyedMutex()
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock("feed")
				defer unlock()

				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside.Load())
		assert.Equal(t, 0, k.Len())
	})

	t.Run("不同键互不阻塞", func(t *testing.T) {
		k := NewKeyedMutex()
		unlockA := k.Lock("a")
		defer unlockA()

		acquired := make(chan struct{})
		go func() {
			unlock := k.Lock("b")
			unlock()
			close(acquired)
		}()

		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("lock on a different key blocked")
		}
	})

	t.Run("重复释放安全", func(t *testing.T) {
		k := NewKeyedMutex()
		unlock := k.Lock("a")
		unlock()
		unlock()
		assert.Equal(t, 0, k.Len())
	})
}
