// Package resource deduplicates concurrent loads of the same resource.
//
// A Deduplicator keeps resolved values in a bounded cache and tracks loads
// that are still running, so any number of concurrent callers asking for one
// key cause a single call to the loader. Failed loads are never cached; the
// next caller starts a fresh one.
package resource

import (
	"context"
	"sync"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Load for keys without a resolved value once Close
// has been called.
var ErrClosed = errors.New("deduplicator is closed")

// DefaultConcurrency bounds how many loads a single Preload runs at once.
const DefaultConcurrency = 4

// Loader loads the value for one key.
type Loader[V any] func(ctx context.Context) (V, error)

type options struct {
	cache       cache.Config
	log         logger.Logger
	clock       cache.Clock
	concurrency int
}

// Option configures a Deduplicator.
type Option func(*options)

// WithCache configures the cache holding resolved values.
func WithCache(cfg cache.Config) Option {
	return func(o *options) { o.cache = cfg }
}

// WithLogger sets the logger used for preload failures.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides the time source of the resolved value cache.
func WithClock(clock cache.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithConcurrency bounds the fan-out of Preload.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

type pending[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Deduplicator shares in-flight loads between callers asking for the same key.
type Deduplicator[K comparable, V any] struct {
	cache       *cache.Bounded[K, V]
	log         logger.Logger
	concurrency int

	mu       sync.Mutex
	inflight map[K]*pending[V]
	closed   bool

	waitGroup sync.WaitGroup
}

// New returns a Deduplicator. Without WithCache resolved values are kept
// under cache.DefaultConfig.
func New[K comparable, V any](opts ...Option) *Deduplicator[K, V] {
	o := options{
		cache:       cache.DefaultConfig(),
		log:         logger.NewDiscardLogger(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	var cacheOpts []cache.Option
	if o.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	}
	return &Deduplicator[K, V]{
		cache:       cache.New[K, V](o.cache, cacheOpts...),
		log:         o.log.WithPrefix("[resource]"),
		concurrency: o.concurrency,
		inflight:    make(map[K]*pending[V]),
	}
}

// Load returns the resolved value for key. If a load for key is already
// running the caller waits for it instead of starting another one. The loader
// runs detached from ctx: a caller whose ctx ends stops waiting, but the load
// still completes and its value is cached.
func (d *Deduplicator[K, V]) Load(ctx context.Context, key K, loader Loader[V]) (V, error) {
	if val, ok := d.cache.Get(key); ok {
		return val, nil
	}

	p, leader, err := d.join(key)
	if err != nil {
		var zero V
		return zero, err
	}
	if leader {
		go d.run(context.WithoutCancel(ctx), key, p, loader)
	}

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case <-p.done:
		return p.value, p.err
	}
}

// join returns the pending load for key, registering a new one when there is
// none. leader is true when the caller registered it and must run it.
// Running loads may still be joined after Close; new ones are refused.
func (d *Deduplicator[K, V]) join(key K) (p *pending[V], leader bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.inflight[key]; ok {
		return p, false, nil
	}
	if d.closed {
		return nil, false, ErrClosed
	}
	p = &pending[V]{done: make(chan struct{})}
	d.inflight[key] = p
	d.waitGroup.Add(1)
	return p, true, nil
}

func (d *Deduplicator[K, V]) run(ctx context.Context, key K, p *pending[V], loader Loader[V]) {
	defer d.waitGroup.Done()

	// A load that finished between the caller's cache check and join has
	// already stored its value.
	if val, ok := d.cache.Get(key); ok {
		p.value = val
	} else {
		p.value, p.err = loader(ctx)
		if p.err == nil {
			d.cache.Set(key, p.value)
		}
	}

	d.mu.Lock()
	if d.inflight[key] == p {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
	close(p.done)
}

// Preload loads keys in the background, at most the configured concurrency
// at a time. It returns immediately. Failures are logged and otherwise
// ignored; keys not yet started when ctx ends are skipped. After Close,
// Preload does nothing.
func (d *Deduplicator[K, V]) Preload(ctx context.Context, keys []K, loader func(ctx context.Context, key K) (V, error)) {
	if len(keys) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("preload after close ignored")
		return
	}
	d.waitGroup.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.waitGroup.Done()
		var g errgroup.Group
		g.SetLimit(d.concurrency)
		for _, key := range keys {
			if ctx.Err() != nil {
				d.log.Debug("preload stopped: %v", ctx.Err())
				break
			}
			g.Go(func() error {
				_, err := d.Load(ctx, key, func(ctx context.Context) (V, error) {
					return loader(ctx, key)
				})
				if err != nil {
					d.log.Debug("preload of %v failed: %v", key, err)
				}
				return nil
			})
		}
		g.Wait()
	}()
}

// Forget drops the resolved value for key. A load in flight is not affected.
func (d *Deduplicator[K, V]) Forget(key K) {
	d.cache.Delete(key)
}

// Resolved reports whether key has a live resolved value.
func (d *Deduplicator[K, V]) Resolved(key K) bool {
	return d.cache.Has(key)
}

// Pending returns the number of loads in flight.
func (d *Deduplicator[K, V]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close waits for running loads and preloads to finish. Afterwards resolved
// values are still served, but no new load is started.
func (d *Deduplicator[K, V]) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.waitGroup.Wait()
	return nil
}
