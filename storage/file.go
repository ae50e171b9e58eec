package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fileSuffix = ".entry"
	tmpPrefix  = ".tmp-"
)

// tmpGrace is how old a temporary file must be before Keys treats it as left
// over from an interrupted write.
const tmpGrace = time.Minute

// fileEnvelope is the on-disk layout of one entry. The key is kept next to
// the value because file names only carry its hash.
type fileEnvelope struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type fileStorage struct {
	dir string
}

var _ Storage = (*fileStorage)(nil)

// NewFile returns a Storage that keeps one file per key under dir, creating
// the directory if needed. Writes go to a temporary file that is renamed into
// place, so readers never observe a partial entry. Two keys whose hashes
// collide overwrite each other, which a cache can tolerate.
func NewFile(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap(err, "mkdir", dir)
	}
	return &fileStorage{dir: dir}, nil
}

func (s *fileStorage) path(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(key), fileSuffix))
}

func readEnvelope(path string) (fileEnvelope, error) {
	var env fileEnvelope
	buf, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	if err := msgpack.Unmarshal(buf, &env); err != nil {
		return env, errors.Wrap(err, "decode envelope")
	}
	return env, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, wrap(err, "get", key)
	}
	env, err := readEnvelope(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err, "get", key)
	}
	if env.Key != key {
		return nil, false, nil
	}
	return env.Value, true, nil
}

func (s *fileStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "set", key)
	}
	buf, err := msgpack.Marshal(fileEnvelope{Key: key, Value: value})
	if err != nil {
		return wrap(err, "set", key)
	}
	tmp := filepath.Join(s.dir, tmpPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return wrap(err, "set", key)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return wrap(err, "set", key)
	}
	return nil
}

func (s *fileStorage) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "remove", key)
	}
	path := s.path(key)
	env, err := readEnvelope(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	// A file holding a colliding key belongs to someone else.
	if err == nil && env.Key != key {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrap(err, "remove", key)
	}
	return nil
}

// Keys scans the directory. Entry files that cannot be decoded are deleted
// since no key can address them any more, as are temporary files older than
// tmpGrace.
func (s *fileStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, wrap(err, "keys", prefix)
	}
	keys := make([]string, 0, len(entries))
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return nil, wrap(err, "keys", prefix)
		}
		if de.IsDir() {
			continue
		}
		if strings.HasPrefix(de.Name(), tmpPrefix) {
			s.removeStaleTemp(de)
			continue
		}
		if !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		env, err := readEnvelope(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		if strings.HasPrefix(env.Key, prefix) {
			keys = append(keys, env.Key)
		}
	}
	return keys, nil
}

func (s *fileStorage) removeStaleTemp(de fs.DirEntry) {
	info, err := de.Info()
	if err != nil || time.Since(info.ModTime()) < tmpGrace {
		return
	}
	_ = os.Remove(filepath.Join(s.dir, de.Name()))
}

func (s *fileStorage) Close() error {
	return nil
}
