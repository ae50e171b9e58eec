package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoize(t *testing.T) {
	var calls int
	square := func(n int) int {
		calls++
		return n * n
	}
	c := New[string, int](DefaultConfig())
	fn := Memoize(square, strconv.Itoa, c)

	assert.Equal(t, 9, fn(3))
	assert.Equal(t, 9, fn(3))
	assert.Equal(t, 16, fn(4))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, c.Size())
}

func TestMemoizeRecomputesAfterExpiry(t *testing.T) {
	clock := NewManualClock(time.Now())
	c := New[string, int](Config{TTL: time.Second, MaxSize: 10}, WithClock(clock))
	var calls int
	fn := Memoize(func(n int) int { calls++; return n }, strconv.Itoa, c)
	fn(1)
	clock.Advance(2 * time.Second)
	fn(1)
	assert.Equal(t, 2, calls)
}

func TestMemoizeAsync(t *testing.T) {
	var calls int
	fetch := func(_ context.Context, id string) (string, error) {
		calls++
		if id == "bad" {
			return "", errors.New("boom")
		}
		return "user-" + id, nil
	}
	c := New[string, string](DefaultConfig())
	fn := MemoizeAsync(fetch, func(id string) string { return "user:" + id }, c)
	ctx := context.Background()

	val, err := fn(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", val)
	val, err = fn(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", val)
	assert.Equal(t, 1, calls)

	_, err = fn(ctx, "bad")
	assert.Error(t, err)
	_, err = fn(ctx, "bad")
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "errors are not cached")
	assert.False(t, c.Has("user:bad"))
}

func TestMemoizeAsyncDoesNotCoalesce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(_ context.Context, n int) (int, error) {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return n, nil
	}
	c := New[int, int](DefaultConfig())
	fn := MemoizeAsync(slow, func(n int) int { return n }, c)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = fn(context.Background(), 7)
		}()
	}
	<-started
	<-started
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
