package storage

import (
	"context"
	"strings"
	"sync"
)

type memoryStorage struct {
	mutex sync.RWMutex
	data  map[string][]byte
}

var _ Storage = (*memoryStorage)(nil)

// NewMemory returns a Storage held in process memory.
func NewMemory() Storage {
	return &memoryStorage{data: make(map[string][]byte)}
}

func (s *memoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (s *memoryStorage) Set(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.mutex.Lock()
	s.data[key] = buf
	s.mutex.Unlock()
	return nil
}

func (s *memoryStorage) Remove(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.data, key)
	s.mutex.Unlock()
	return nil
}

func (s *memoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memoryStorage) Close() error {
	return nil
}
