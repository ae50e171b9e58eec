package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisStorage struct {
	client *redis.Client
	cfg    config
}

var _ Storage = (*redisStorage)(nil)

// NewRedis returns a Storage backed by Redis strings.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Storage {
	return &redisStorage{client: client, cfg: applyOptions(opts)}
}

func (s *redisStorage) prefixKey(key string) string {
	if s.cfg.namespace == "" {
		return key
	}
	return s.cfg.namespace + ":" + key
}

func (s *redisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	data, err := s.client.Get(qctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err, "get", key)
	}
	return data, true, nil
}

func (s *redisStorage) Set(ctx context.Context, key string, value []byte) error {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	return wrap(s.client.Set(qctx, s.prefixKey(key), value, 0).Err(), "set", key)
}

func (s *redisStorage) Remove(ctx context.Context, key string) error {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	return wrap(s.client.Del(qctx, s.prefixKey(key)).Err(), "remove", key)
}

// globEscaper escapes the characters SCAN MATCH treats as patterns.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *redisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	match := globEscaper.Replace(s.prefixKey(prefix)) + "*"
	strip := len(s.prefixKey(""))
	seen := make(map[string]struct{})
	var keys []string
	// SCAN may return a key more than once while the keyspace is rehashed.
	iter := s.client.Scan(qctx, 0, match, 100).Iterator()
	for iter.Next(qctx) {
		k := iter.Val()[strip:]
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err, "keys", prefix)
	}
	return keys, nil
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (s *redisStorage) Close() error {
	return nil
}
