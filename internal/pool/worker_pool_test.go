package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var done int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&done, 1)
			wg.Done()
		})
	}

	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
}

// 取消上下文后已入队的任务仍然要执行：扇出路径的 WaitGroup
// 在等这些任务，丢弃会让投递端挂死。
func TestWorkerPoolDrainsQueueOnCancel(t *testing.T) {
	p := NewWorkerPool(2, 16, nil)

	var done int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&done, 1)
			wg.Done()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.Stop()

	wg.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
}

func TestWorkerPoolTrySubmitFullQueue(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)

	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	p := NewWorkerPool(1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	p.Submit(func() {
		defer wg.Done()
		panic("boom")
	})
	p.Submit(func() {
		wg.Done()
	})

	wg.Wait()
	p.Stop()
}
