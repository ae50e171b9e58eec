// Package storage defines the byte key/value store that persisted caches
// write through, along with in-memory, file, SQLite and Redis backends.
//
// Stores are best-effort local storage. None of them coordinate between
// processes beyond what the underlying medium already provides.
package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Storage is a byte key/value store with prefix enumeration.
type Storage interface {
	// Get returns the value stored under key. A missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// ErrStorage marks every error returned by a backend.
var ErrStorage = errors.New("storage error")

func wrap(err error, op, key string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "storage: %s %q", op, key), ErrStorage)
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// network or disk I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	namespace    string
}

// Option configures a backend.
type Option func(*config)

// WithQueryTimeout sets the per-operation timeout for I/O backed stores.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithNamespace prepends ns and a colon to every key written to Redis, so
// several applications can share one instance. Keys returned by Keys have
// the namespace stripped.
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func queryCtx(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
