package cache

import "time"

type entry[V any] struct {
	value          V
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    uint64
	seq            uint64 // insertion order, last resort tie-break
}

func (e *entry[V]) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.createdAt) > ttl
}

// victimFunc reports whether a should be evicted before b.
type victimFunc[V any] func(a, b *entry[V]) bool

func lruVictim[V any](a, b *entry[V]) bool {
	if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.lastAccessedAt.Before(b.lastAccessedAt)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func lfuVictim[V any](a, b *entry[V]) bool {
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.lastAccessedAt.Before(b.lastAccessedAt)
	}
	return a.seq < b.seq
}

func fifoVictim[V any](a, b *entry[V]) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func victimFor[V any](s Strategy) victimFunc[V] {
	switch s {
	case LFU:
		return lfuVictim[V]
	case FIFO:
		return fifoVictim[V]
	default:
		return lruVictim[V]
	}
}
