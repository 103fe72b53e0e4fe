package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter_ClampsToOne(t *testing.T) {
	assert.Equal(t, 1, NewLimiter(0).Capacity())
	assert.Equal(t, 1, NewLimiter(-5).Capacity())
	assert.Equal(t, 8, NewLimiter(8).Capacity())
}

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(2)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, int64(2), l.CurrentActive())

	l.Release()
	assert.Equal(t, int64(1), l.CurrentActive())
	l.Release()
	assert.Equal(t, int64(0), l.CurrentActive())
}

func TestLimiter_TryAcquire(t *testing.T) {
	l := NewLimiter(1)

	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "no slot free")

	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestLimiter_Acquire_ContextCancelled(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_ReleaseWithoutAcquire(t *testing.T) {
	l := NewLimiter(1)

	// Must not panic or underflow the semaphore.
	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	const limit = 3
	l := NewLimiter(limit)

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			defer l.Release()

			cur := atomic.AddInt64(&active, 1)
			defer atomic.AddInt64(&active, -1)
			for {
				p := atomic.LoadInt64(&peak)
				if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	assert.Equal(t, int64(0), l.CurrentActive())
}

func TestLimiter_Metrics(t *testing.T) {
	l := NewLimiter(2)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	m := l.GetMetrics()
	assert.Equal(t, int64(2), m.TotalAcquired)
	assert.Equal(t, int64(1), m.TotalReleased)
	assert.Equal(t, int64(2), m.PeakConcurrent)
}
