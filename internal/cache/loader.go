package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader is a read-through LRU cache. Concurrent misses for the same key
// share one load.
type Loader[T any] struct {
	cache *LRUCache[T]
	group singleflight.Group
	// gen moves on every invalidation so a load that started before it
	// does not repopulate the cache with stale data.
	gen atomic.Uint64
}

func NewLoader[T any](maxSize int, ttl time.Duration) *Loader[T] {
	return &Loader[T]{cache: NewLRUCache[T](maxSize, ttl)}
}

// Get returns the cached value for key or calls load to fill it.
func (l *Loader[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := l.cache.Get(key); ok {
		return v, nil
	}

	gen := l.gen.Load()
	v, err, _ := l.group.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return val, err
		}
		if l.gen.Load() == gen {
			l.cache.Set(key, val)
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (l *Loader[T]) Invalidate(key string) {
	l.gen.Add(1)
	l.group.Forget(key)
	l.cache.Delete(key)
}

func (l *Loader[T]) CleanExpired() int { return l.cache.CleanExpired() }

func (l *Loader[T]) Size() int { return l.cache.Size() }
