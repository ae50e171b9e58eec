package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLoad = errors.New("load failed")

func TestLoadDeduplicatesConcurrentCalls(t *testing.T) {
	d := New[string, []byte]()
	defer d.Close()
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("image"), nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := d.Load(ctx, "logo.png", loader)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}
	assert.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, []byte("image"), r)
	}
	assert.Equal(t, 0, d.Pending())
	assert.True(t, d.Resolved("logo.png"))
}

func TestLoadReturnsResolvedValue(t *testing.T) {
	d := New[string, int]()
	defer d.Close()
	ctx := context.Background()
	var calls int32
	loader := func(context.Context) (int, error) { return int(atomic.AddInt32(&calls, 1)), nil }

	v1, err := d.Load(ctx, "k", loader)
	require.NoError(t, err)
	v2, err := d.Load(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls)
}

func TestLoadFailureIsNotCached(t *testing.T) {
	d := New[string, int]()
	defer d.Close()
	ctx := context.Background()

	_, err := d.Load(ctx, "k", func(context.Context) (int, error) { return 0, errLoad })
	assert.ErrorIs(t, err, errLoad)
	assert.Equal(t, 0, d.Pending(), "a failed load leaves nothing in flight")
	assert.False(t, d.Resolved("k"))

	val, err := d.Load(ctx, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, val)
}

func TestLoadFailureReachesEveryWaiter(t *testing.T) {
	d := New[string, int]()
	defer d.Close()
	ctx := context.Background()
	release := make(chan struct{})
	var calls int32
	loader := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 0, errLoad
	}

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := d.Load(ctx, "k", loader)
			errs <- err
		}()
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, errLoad)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoadCallerCancellation(t *testing.T) {
	d := New[string, string]()
	release := make(chan struct{})
	loader := func(ctx context.Context) (string, error) {
		<-release
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Load(ctx, "k", loader)
		errc <- err
	}()
	assert.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.NoError(t, d.Close())
	assert.True(t, d.Resolved("k"), "the load outlives the abandoned caller")
}

func TestPreload(t *testing.T) {
	log := logger.NewTestLogger()
	d := New[int, int](WithLogger(log), WithConcurrency(2), WithCache(cache.Config{TTL: time.Minute, MaxSize: 10}))
	ctx := context.Background()

	var running, peak int32
	loader := func(_ context.Context, key int) (int, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		if key == 3 {
			return 0, errLoad
		}
		return key * key, nil
	}

	d.Preload(ctx, []int{1, 2, 3, 4, 5}, loader)
	require.NoError(t, d.Close())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for _, k := range []int{1, 2, 4, 5} {
		assert.True(t, d.Resolved(k), "key %d", k)
	}
	assert.False(t, d.Resolved(3))
	assert.True(t, log.Contains("preload of 3 failed"))

	val, err := d.Load(ctx, 4, func(context.Context) (int, error) { return -1, nil })
	require.NoError(t, err)
	assert.Equal(t, 16, val)
}

func TestPreloadDoesNotBlock(t *testing.T) {
	d := New[string, string]()
	release := make(chan struct{})
	start := time.Now()
	d.Preload(context.Background(), []string{"a", "b"}, func(context.Context, string) (string, error) {
		<-release
		return "x", nil
	})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(release)
	require.NoError(t, d.Close())
}

func TestPreloadSkipsAfterCancel(t *testing.T) {
	d := New[int, int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	d.Preload(ctx, []int{1, 2, 3}, func(context.Context, int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})
	require.NoError(t, d.Close())
	assert.Equal(t, int32(0), calls)
}

func TestForget(t *testing.T) {
	d := New[string, int]()
	defer d.Close()
	ctx := context.Background()
	var calls int32
	loader := func(context.Context) (int, error) { return int(atomic.AddInt32(&calls, 1)), nil }

	d.Load(ctx, "k", loader)
	d.Forget("k")
	val, err := d.Load(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, 2, val)
}

func TestResolvedValuesExpire(t *testing.T) {
	clock := cache.NewManualClock(time.Unix(1_700_000_000, 0))
	d := New[string, int](WithClock(clock), WithCache(cache.Config{TTL: time.Second, MaxSize: 4}))
	defer d.Close()
	ctx := context.Background()
	var calls int32
	loader := func(context.Context) (int, error) { return int(atomic.AddInt32(&calls, 1)), nil }

	d.Load(ctx, "k", loader)
	clock.Advance(2 * time.Second)
	val, _ := d.Load(ctx, "k", loader)
	assert.Equal(t, 2, val)
}

func TestLoadAfterClose(t *testing.T) {
	d := New[string, int]()
	ctx := context.Background()
	_, err := d.Load(ctx, "a", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.NoError(t, d.Close())

	val, err := d.Load(ctx, "a", func(context.Context) (int, error) { return -1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, val, "resolved values are still served")

	var calls int32
	_, err = d.Load(ctx, "b", func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 2, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(0), calls)
	assert.Equal(t, 0, d.Pending())
}

func TestLoadJoinsRunningLoadDuringClose(t *testing.T) {
	d := New[string, string]()
	ctx := context.Background()
	release := make(chan struct{})
	first := make(chan string, 1)
	go func() {
		val, _ := d.Load(ctx, "k", func(context.Context) (string, error) {
			<-release
			return "v", nil
		})
		first <- val
	}()
	assert.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closed
	}, time.Second, time.Millisecond)

	second := make(chan string, 1)
	go func() {
		val, err := d.Load(ctx, "k", func(context.Context) (string, error) { return "other", nil })
		assert.NoError(t, err)
		second <- val
	}()
	close(release)
	<-closed
	assert.Equal(t, "v", <-first)
	assert.Equal(t, "v", <-second)
}

func TestPreloadAfterClose(t *testing.T) {
	log := logger.NewTestLogger()
	d := New[int, int](WithLogger(log))
	require.NoError(t, d.Close())

	var calls int32
	d.Preload(context.Background(), []int{1, 2}, func(context.Context, int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})
	require.NoError(t, d.Close())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.False(t, d.Resolved(1))
	assert.True(t, log.Contains("preload after close ignored"))
}

func TestConcurrentLoadAndClose(t *testing.T) {
	d := New[int, int](WithCache(cache.Config{TTL: time.Minute, MaxSize: 1000}))
	ctx := context.Background()
	loader := func(_ context.Context, key int) (int, error) { return key, nil }

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			val, err := d.Load(ctx, i, func(ctx context.Context) (int, error) { return loader(ctx, i) })
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
				return
			}
			assert.Equal(t, i, val)
		}(i)
		go func(i int) {
			defer wg.Done()
			d.Preload(ctx, []int{i + 1000}, loader)
		}(i)
	}
	require.NoError(t, d.Close())
	wg.Wait()
	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.Pending())
}
