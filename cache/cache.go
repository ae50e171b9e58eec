package cache

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Strategy selects which entry is evicted when a Bounded cache is full.
type Strategy int

const (
	// LRU evicts the entry with the oldest last access.
	LRU Strategy = iota
	// LFU evicts the entry with the fewest accesses.
	LFU
	// FIFO evicts the entry that was inserted first.
	FIFO
)

func (s Strategy) String() string {
	switch s {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a case-insensitive strategy name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lru", "":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	}
	return LRU, errors.Newf("cache: unknown eviction strategy %q", s)
}

// DefaultTTL is the TTL used by DefaultConfig.
const DefaultTTL = 5 * time.Minute

// DefaultMaxSize is used when Config.MaxSize is not positive.
const DefaultMaxSize = 100

// Config is fixed for the lifetime of a cache instance.
type Config struct {
	// TTL is how long an entry stays visible after it was set. Zero or
	// negative disables expiry.
	TTL time.Duration
	// MaxSize is the maximum number of live entries.
	MaxSize int
	// Strategy picks the eviction victim on overflow.
	Strategy Strategy
}

// DefaultConfig returns a 5 minute, 100 entry LRU configuration.
func DefaultConfig() Config {
	return Config{
		TTL:      DefaultTTL,
		MaxSize:  DefaultMaxSize,
		Strategy: LRU,
	}
}

func (c Config) normalize() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	return c
}

// Clock is the time source used for TTL and access bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type options struct {
	clock   Clock
	onEvict any
}

// Option configures a Bounded cache.
type Option func(*options)

// WithClock overrides the time source. Mostly useful in tests.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOnEvict registers fn to be called with each entry removed to make room
// for a new key. Expired entries, Delete and Clear do not trigger it. fn runs
// after the cache lock is released, so it may call back into the cache. K
// and V must match the cache passed to New.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option {
	return func(o *options) { o.onEvict = fn }
}

func applyOptions(opts []Option) options {
	o := options{clock: SystemClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
