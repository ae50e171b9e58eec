package persist

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/storage"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string   `msgpack:"name" json:"name"`
	Count int      `msgpack:"count" json:"count"`
	Tags  []string `msgpack:"tags" json:"tags"`
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.Mark(errors.New("disk on fire"), storage.ErrStorage)
}
func (failingStore) Set(context.Context, string, []byte) error {
	return errors.Mark(errors.New("disk on fire"), storage.ErrStorage)
}
func (failingStore) Remove(context.Context, string) error {
	return errors.Mark(errors.New("disk on fire"), storage.ErrStorage)
}
func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.Mark(errors.New("disk on fire"), storage.ErrStorage)
}
func (failingStore) Close() error { return nil }

func newTestPersist(t *testing.T, opts ...Option) (*Cache[string, widget], storage.Storage, *cache.ManualClock, *logger.TestLogger) {
	t.Helper()
	store := storage.NewMemory()
	clock := cache.NewManualClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	log := logger.NewTestLogger()
	opts = append([]Option{WithTTL(time.Hour), WithClock(clock), WithLogger(log)}, opts...)
	return New[string, widget](store, opts...), store, clock, log
}

func TestPersistSetGet(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestPersist(t)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	w := widget{Name: "gauge", Count: 3, Tags: []string{"a", "b"}}
	c.Set(ctx, "w1", w)
	got, ok := c.Get(ctx, "w1")
	assert.True(t, ok)
	assert.Equal(t, w, got)
	assert.True(t, c.Has(ctx, "w1"))

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:w1"}, keys)
}

func TestPersistExpiry(t *testing.T) {
	ctx := context.Background()
	c, store, clock, _ := newTestPersist(t)
	c.Set(ctx, "w1", widget{Name: "a"})

	clock.Advance(time.Hour)
	_, ok := c.Get(ctx, "w1")
	assert.True(t, ok, "exactly ttl old is still valid")

	clock.Advance(time.Second)
	assert.False(t, c.Has(ctx, "w1"))
	_, ok = c.Get(ctx, "w1")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "cache:w1")
	assert.False(t, ok, "expired entry is removed on read")
}

func TestPersistCorruptEntryRemoved(t *testing.T) {
	ctx := context.Background()
	c, store, _, log := newTestPersist(t)
	require.NoError(t, store.Set(ctx, "cache:bad", []byte("not msgpack at all")))

	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "cache:bad")
	assert.False(t, ok)
	assert.True(t, log.Contains("removing corrupt entry"))
}

func TestPersistValueOfWrongShapeRemoved(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	strings := New[string, string](store)
	strings.Set(ctx, "k", "just a string")

	widgets := New[string, widget](store)
	_, ok := widgets.Get(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "cache:k")
	assert.False(t, ok)
}

func TestPersistStorageErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	c := New[string, int](failingStore{}, WithLogger(log))

	assert.NotPanics(t, func() {
		c.Set(ctx, "a", 1)
		c.Delete(ctx, "a")
	})
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.False(t, c.Has(ctx, "a"))
	assert.Equal(t, 3, log.Count("WARNING"))

	_, err := c.Cleanup(ctx)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorage))
}

func TestPersistUnencodableValue(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	c := NewWithCodec[string, func()](storage.NewMemory(), JSON[func()](), WithLogger(log))
	c.Set(ctx, "f", func() {})
	_, ok := c.Get(ctx, "f")
	assert.False(t, ok)
	assert.True(t, log.Contains("cannot encode value"))
}

func TestPersistCleanup(t *testing.T) {
	ctx := context.Background()
	c, store, clock, _ := newTestPersist(t)
	c.Set(ctx, "old", widget{Name: "old"})
	clock.Advance(50 * time.Minute)
	c.Set(ctx, "new", widget{Name: "new"})
	require.NoError(t, store.Set(ctx, "cache:corrupt", []byte{0xc1}))
	require.NoError(t, store.Set(ctx, "other:untouched", []byte{0xc1}))
	clock.Advance(20 * time.Minute)

	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"cache:new", "other:untouched"}, keys)
}

func TestPersistPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	a := New[string, int](store, WithPrefix("a:"))
	b := New[string, int](store, WithPrefix("b:"))
	a.Set(ctx, "k", 1)
	b.Set(ctx, "k", 2)

	va, _ := a.Get(ctx, "k")
	vb, _ := b.Get(ctx, "k")
	assert.Equal(t, 1, va)
	assert.Equal(t, 2, vb)

	require.NoError(t, a.Clear(ctx))
	_, ok := a.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = b.Get(ctx, "k")
	assert.True(t, ok)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestPersistJSONCodec(t *testing.T) {
	ctx := context.Background()
	c := NewWithCodec[string, widget](storage.NewMemory(), JSON[widget]())
	w := widget{Name: "json", Count: 1, Tags: []string{"x"}}
	c.Set(ctx, "w", w)
	got, ok := c.Get(ctx, "w")
	assert.True(t, ok)
	assert.Equal(t, w, got)
}

func TestPersistSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewFile(dir)
	require.NoError(t, err)
	New[string, widget](store).Set(ctx, "w", widget{Name: "durable"})

	reopened, err := storage.NewFile(dir)
	require.NoError(t, err)
	got, ok := New[string, widget](reopened).Get(ctx, "w")
	assert.True(t, ok)
	assert.Equal(t, "durable", got.Name)
}

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) Cleanup(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestJanitorRunsUntilStopped(t *testing.T) {
	cleaner := &countingCleaner{}
	j := StartJanitor(context.Background(), cleaner, 10*time.Millisecond, nil)
	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	j.Stop()
	j.Stop()
	n := cleaner.calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, cleaner.calls.Load())
}

func TestJanitorStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cleaner := &countingCleaner{}
	j := StartJanitor(ctx, cleaner, time.Hour, logger.NewTestLogger())
	cancel()
	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.Equal(t, int32(0), cleaner.calls.Load())
}

func TestJanitorSweepsPersistedCache(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clock := cache.NewManualClock(time.Now())
	c := New[string, int](store, WithTTL(time.Minute), WithClock(clock))
	c.Set(ctx, "a", 1)
	clock.Advance(2 * time.Minute)

	j := StartJanitor(ctx, c, 5*time.Millisecond, nil)
	defer j.Stop()
	assert.Eventually(t, func() bool {
		keys, _ := store.Keys(ctx, "")
		return len(keys) == 0
	}, time.Second, 5*time.Millisecond)
}
