// Package query implements a stale-while-revalidate cache for expensive
// fetches.
//
// [Cache.Get] serves a live cached value when there is one and calls the
// fetcher otherwise. When the fetcher fails and an older value for the key
// is still held, even one past its TTL, that value is returned instead of the
// error. The failure is only reported to the logger and the stale handler.
//
// Concurrent misses for one key share a single fetch. A forced refresh never
// joins a fetch that was already running, and once it stores its value any
// older fetch for the key finishing later is not stored. Fetches run detached
// from the caller's context: a caller that stops waiting gets its context
// error back, while the fetch finishes and populates the cache for whoever
// asks next.
//
// Invalidate also covers fetches in flight: their callers still receive the
// fetched value, but it is not stored.
package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/resilience"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/agentuity/go-querycache/query"

// ErrTypeMismatch is returned by GetAs when the cached value is not of the
// requested type.
var ErrTypeMismatch = errors.New("cached value has unexpected type")

// Fetcher produces the value for a key. It may be called more than once for
// the same key over the life of a cache and must be safe to repeat.
type Fetcher[V any] func(ctx context.Context) (V, error)

// StaleHandler is told about fetch errors hidden by a stale fallback.
type StaleHandler func(key string, err error)

type config struct {
	log     logger.Logger
	clock   cache.Clock
	breaker *resilience.Breaker
	tracer  trace.TracerProvider
	onStale StaleHandler
}

// Option configures a query Cache.
type Option func(*config)

// WithLogger sets the logger for fallback warnings and prefetch failures.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source of the underlying cache.
func WithClock(clock cache.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithBreaker runs every fetch through b. While b is open fetches fail with
// resilience.ErrOpen, which is then handled like any other fetch error.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

// WithTracerProvider sets the provider for fetch spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracer = tp }
}

// WithStaleHandler registers fn to be called whenever a fetch error is
// replaced by a stale value.
func WithStaleHandler(fn StaleHandler) Option {
	return func(c *config) { c.onStale = fn }
}

// flight tracks the fetches running for one key. gen moves whenever results
// of fetches already running must no longer be stored.
type flight struct {
	refs int
	gen  atomic.Uint64
}

// Cache is a revalidating query cache with string keys.
type Cache[V any] struct {
	cache   *cache.Bounded[string, V]
	group   singleflight.Group
	forced  singleflight.Group
	log     logger.Logger
	breaker *resilience.Breaker
	tracer  trace.Tracer
	onStale StaleHandler

	mu        sync.Mutex
	inflight  map[string]*flight
	closed    bool
	waitGroup sync.WaitGroup
}

// New returns a query Cache over a Bounded cache configured by cfg.
func New[V any](cfg cache.Config, opts ...Option) *Cache[V] {
	c := config{
		log: logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider()
	}
	var cacheOpts []cache.Option
	if c.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(c.clock))
	}
	return &Cache[V]{
		cache:    cache.New[string, V](cfg, cacheOpts...),
		log:      c.log.WithPrefix("[query]"),
		breaker:  c.breaker,
		tracer:   c.tracer.Tracer(tracerName),
		onStale:  c.onStale,
		inflight: make(map[string]*flight),
	}
}

// Get returns the cached value for key, or fetches it when there is no live
// entry or forceRefresh is set. A failed fetch falls back to the previous
// value for key if one is still held; the fetch error is only returned when
// there is nothing to fall back on.
func (q *Cache[V]) Get(ctx context.Context, key string, fetcher Fetcher[V], forceRefresh bool) (V, error) {
	var zero V
	if !forceRefresh && q.cache.Has(key) {
		if val, ok := q.cache.Get(key); ok {
			return val, nil
		}
	}

	// Taken before fetching, since a concurrent Set may purge it meanwhile.
	stale, hasStale := q.cache.Peek(key)

	group := &q.group
	if forceRefresh {
		group = &q.forced
	}
	ch := group.DoChan(key, func() (any, error) {
		return q.fetch(context.WithoutCancel(ctx), key, fetcher, forceRefresh, false)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if hasStale {
				q.log.Warn("fetch for %q failed, serving stale value: %v", key, res.Err)
				if q.onStale != nil {
					q.onStale(key, res.Err)
				}
				return stale, nil
			}
			return zero, res.Err
		}
		val, _ := res.Val.(V)
		return val, nil
	}
}

// GetAs is Get over a cache shared by values of different types. The result
// is checked against T before it is returned.
func GetAs[T any](ctx context.Context, q *Cache[any], key string, fetcher Fetcher[T], forceRefresh bool) (T, error) {
	var zero T
	val, err := q.Get(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}, forceRefresh)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	t, ok := val.(T)
	if !ok {
		return zero, errors.Wrapf(ErrTypeMismatch, "query: %q holds %T", key, val)
	}
	return t, nil
}

// Prefetch fetches key in the background unless a live entry exists. The
// result never replaces a live entry written in the meantime. Failures are
// logged since nobody waits on them. After Close, Prefetch does nothing.
func (q *Cache[V]) Prefetch(ctx context.Context, key string, fetcher Fetcher[V]) {
	if q.cache.Has(key) {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.waitGroup.Add(1)
	q.mu.Unlock()

	fctx := context.WithoutCancel(ctx)
	go func() {
		defer q.waitGroup.Done()
		_, err, _ := q.group.Do(key, func() (any, error) {
			return q.fetch(fctx, key, fetcher, false, true)
		})
		if err != nil {
			q.log.Debug("prefetch for %q failed: %v", key, err)
		}
	}()
}

func (q *Cache[V]) begin(key string) (*flight, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.inflight[key]
	if !ok {
		f = &flight{}
		q.inflight[key] = f
	}
	f.refs++
	return f, f.gen.Load()
}

func (q *Cache[V]) end(key string, f *flight) {
	q.mu.Lock()
	f.refs--
	if f.refs == 0 && q.inflight[key] == f {
		delete(q.inflight, key)
	}
	q.mu.Unlock()
}

func (q *Cache[V]) fetch(ctx context.Context, key string, fetcher Fetcher[V], forced, prefetch bool) (any, error) {
	ctx, span := q.tracer.Start(ctx, "querycache.fetch", trace.WithAttributes(
		attribute.String("querycache.key", key),
		attribute.Bool("querycache.forced", forced),
		attribute.Bool("querycache.prefetch", prefetch),
	))
	defer span.End()

	f, gen := q.begin(key)
	defer q.end(key, f)

	var (
		val V
		err error
	)
	if q.breaker != nil {
		val, err = resilience.Do[V](ctx, q.breaker, fetcher)
	} else {
		val, err = fetcher(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("querycache.outcome", "error"))
		return nil, err
	}

	// The conditions run under the cache lock, so a generation bump either
	// lands before the store and prevents it, or after it and is followed by
	// the delete in Invalidate.
	current := func() bool { return f.gen.Load() == gen }
	var stored bool
	switch {
	case prefetch:
		stored = q.cache.SetIf(key, val, func(live bool) bool { return !live && current() })
	case forced:
		stored = q.cache.SetIf(key, val, func(bool) bool {
			if !current() {
				return false
			}
			f.gen.Add(1)
			return true
		})
	default:
		stored = q.cache.SetIf(key, val, func(bool) bool { return current() })
	}

	outcome := "stored"
	if !stored {
		outcome = "skipped"
		if !current() {
			outcome = "superseded"
		}
	}
	span.SetAttributes(attribute.String("querycache.outcome", outcome))
	return val, nil
}

// Invalidate removes the keys m matches and returns how many were removed.
// A nil Matcher clears the whole cache. Fetches running for matching keys
// finish without storing their result.
func (q *Cache[V]) Invalidate(m Matcher) int {
	q.mu.Lock()
	for key, f := range q.inflight {
		if m == nil || m.Match(key) {
			f.gen.Add(1)
		}
	}
	q.mu.Unlock()

	if m == nil {
		n := q.cache.Size()
		q.cache.Clear()
		return n
	}
	removed := 0
	for _, key := range q.cache.Keys() {
		if m.Match(key) && q.cache.Delete(key) {
			removed++
		}
	}
	return removed
}

// Peek returns whatever value is held for key, expired or not, without
// counting as an access.
func (q *Cache[V]) Peek(key string) (V, bool) {
	return q.cache.Peek(key)
}

// Has reports whether key has a live entry.
func (q *Cache[V]) Has(key string) bool {
	return q.cache.Has(key)
}

// Size returns the number of live entries.
func (q *Cache[V]) Size() int {
	return q.cache.Size()
}

// Close waits for outstanding prefetches. Later Prefetch calls are ignored;
// Get keeps working.
func (q *Cache[V]) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.waitGroup.Wait()
	return nil
}
