package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolNeverExceedsWorkerCount(t *testing.T) {
	pool := NewPool(Config{Workers: 3}, testLogger())
	defer pool.Stop()

	var running, peak atomic.Int32
	handles := make([]*Handle, 0, 20)
	for i := 0; i < 20; i++ {
		h, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for _, h := range handles {
		<-h.Done()
		assert.NoError(t, h.Err())
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, pool.Workers())
}

func TestPoolRunsTasksInFIFOOrder(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, testLogger())
	defer pool.Stop()

	release := make(chan struct{})
	_, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	var last *Handle
	for i := 1; i <= 5; i++ {
		i := i
		last, err = pool.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 5, pool.Queued())
	close(release)
	<-last.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestPoolUnboundedQueueNeverBlocksSubmit(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, testLogger())
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	for i := 0; i < 1000; i++ {
		_, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 999, pool.Queued())
}

func TestPoolBoundedQueueBlocksSubmit(t *testing.T) {
	pool := NewPool(Config{Workers: 1, MaxPending: 1}, testLogger())
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	_, err := pool.Submit(context.Background(), block)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, time.Millisecond)

	_, err = pool.Submit(context.Background(), block)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Submit(ctx, block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolHandleReportsError(t *testing.T) {
	pool := NewPool(Config{Workers: 2}, testLogger())
	defer pool.Stop()

	boom := errors.New("boom")
	h, err := pool.Submit(context.Background(), func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, h.Err(), boom)
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, testLogger())
	defer pool.Stop()

	h, err := pool.Submit(context.Background(), func(ctx context.Context) error { panic("bad session") })
	require.NoError(t, err)
	require.Error(t, h.Err())
	assert.Contains(t, h.Err().Error(), "bad session")

	// The worker survives the panic.
	h, err = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, h.Err())
}

func TestPoolDrainWaitsForQueuedTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 2}, testLogger())

	var completed atomic.Int32
	for i := 0; i < 6; i++ {
		_, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, pool.Drain(context.Background()))
	assert.Equal(t, int32(6), completed.Load())

	_, err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDrainDeadlineThenStopCancelsTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, testLogger())

	h, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Drain(ctx), context.DeadlineExceeded)

	pool.Stop()
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestPoolStateChangeCallback(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, testLogger())
	defer pool.Stop()

	var mu sync.Mutex
	var maxBusy int
	pool.OnStateChange(func(busy, queued int) {
		mu.Lock()
		if busy > maxBusy {
			maxBusy = busy
		}
		mu.Unlock()
	})

	h, err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	<-h.Done()

	require.NoError(t, pool.Drain(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxBusy)
}
