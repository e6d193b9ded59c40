package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAdmitsUpToMax(t *testing.T) {
	l := NewRateLimiter(5, time.Second)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "first max admissions should not block")
	assert.Equal(t, 5, l.InFlight())
}

func TestRateLimiterDelaysOverMax(t *testing.T) {
	window := 200 * time.Millisecond
	l := NewRateLimiter(2, window)

	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), window/2, "third admission should wait for the window")
}

func TestRateLimiterBoundHolds(t *testing.T) {
	const max = 4
	window := 150 * time.Millisecond
	l := NewRateLimiter(max, window)

	var mu sync.Mutex
	var admissions []time.Time

	var wg sync.WaitGroup
	for i := 0; i < max*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Wait(context.Background()))
			mu.Lock()
			admissions = append(admissions, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	// No rolling window of length W may contain more than max admissions.
	for _, pivot := range admissions {
		count := 0
		for _, ts := range admissions {
			if !ts.Before(pivot) && ts.Before(pivot.Add(window)) {
				count++
			}
		}
		assert.LessOrEqual(t, count, max, "window starting at %v over-admitted", pivot)
	}
}

func TestRateLimiterRespectsContext(t *testing.T) {
	l := NewRateLimiter(1, time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	const capacity = 3
	s := NewSemaphore(capacity)

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Acquire(context.Background()))
			defer s.Release()

			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(capacity))
	assert.Equal(t, 0, s.InUse())
}

func TestSemaphoreFIFOOrder(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	const waiters = 5
	var mu sync.Mutex
	var order []int

	var started, done sync.WaitGroup
	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func(n int) {
			defer done.Done()
			started.Done()
			// Stagger arrival so queue order is deterministic.
			time.Sleep(time.Duration(n*20) * time.Millisecond)
			require.NoError(t, s.Acquire(context.Background()))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			s.Release()
		}(i)
	}
	started.Wait()

	time.Sleep(time.Duration(waiters*20+50) * time.Millisecond)
	s.Release()
	done.Wait()

	require.Len(t, order, waiters)
	for i, n := range order {
		assert.Equal(t, i, n, "waiters must acquire in arrival order")
	}
}

func TestSemaphoreAcquireCancel(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Acquire(ctx), context.DeadlineExceeded)

	// The held slot must still be usable after the cancelled waiter left.
	s.Release()
	require.NoError(t, s.Acquire(context.Background()))
	s.Release()
	assert.Equal(t, 0, s.InUse())
}
