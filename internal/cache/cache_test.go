package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestLRUCacheEviction tests size-based eviction
func TestLRUCacheEviction(t *testing.T) {
	cache := NewLRUCache[string](3, time.Hour)

	cache.Set("key1", "value1")
	cache.Set("key2", "value2")
	cache.Set("key3", "value3")
	cache.Set("key4", "value4") // evicts key1

	if _, found := cache.Get("key1"); found {
		t.Error("key1 should have been evicted")
	}
	for _, k := range []string{"key2", "key3", "key4"} {
		if _, found := cache.Get(k); !found {
			t.Errorf("%s should still exist", k)
		}
	}
}

// TestLRUCacheAccessOrder checks that reads refresh recency
func TestLRUCacheAccessOrder(t *testing.T) {
	cache := NewLRUCache[int](2, time.Hour)
	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Get("a")
	cache.Set("c", 3) // evicts b, not a

	if _, found := cache.Get("b"); found {
		t.Error("b should have been evicted")
	}
	if v, found := cache.Get("a"); !found || v != 1 {
		t.Errorf("a = %v, %v", v, found)
	}
}

// TestLRUCacheTTLExpiration tests time-based expiration
func TestLRUCacheTTLExpiration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewLRUCache[string](100, 50*time.Millisecond).WithClock(clock.Now)

	cache.Set("key1", "value1")
	if _, found := cache.Get("key1"); !found {
		t.Error("key1 should exist immediately")
	}

	clock.Advance(60 * time.Millisecond)
	if _, found := cache.Get("key1"); found {
		t.Error("key1 should have expired")
	}
}

func TestLRUCacheCleanExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewLRUCache[string](100, time.Minute).WithClock(clock.Now)

	cache.Set("old1", "x")
	cache.Set("old2", "x")
	clock.Advance(30 * time.Second)
	cache.Set("fresh", "x")
	clock.Advance(45 * time.Second)

	if n := cache.CleanExpired(); n != 2 {
		t.Errorf("CleanExpired() = %d, want 2", n)
	}
	if cache.Size() != 1 {
		t.Errorf("Size() = %d, want 1", cache.Size())
	}
}

func TestManagerCleanNow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewLRUCache[string](10, time.Second).WithClock(clock.Now)
	b := NewLRUCache[int](10, time.Second).WithClock(clock.Now)
	a.Set("x", "1")
	b.Set("y", 2)

	m := NewManager()
	m.Register(a)
	m.Register(b)
	clock.Advance(2 * time.Second)

	if n := m.CleanNow(); n != 2 {
		t.Errorf("CleanNow() = %d, want 2", n)
	}
	m.Stop()
	m.Stop()
}

func TestLoaderSharesConcurrentLoads(t *testing.T) {
	l := NewLoader[int](10, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := l.Get(context.Background(), "k", load)
			if err != nil {
				t.Errorf("Get() error = %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range results {
		if v != 42 {
			t.Fatalf("result = %d, want 42", v)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("load called %d times, want 1", calls.Load())
	}

	// Served from cache now.
	if _, err := l.Get(context.Background(), "k", load); err != nil || calls.Load() != 1 {
		t.Errorf("cached Get() called load again, calls=%d err=%v", calls.Load(), err)
	}
}

func TestLoaderInvalidate(t *testing.T) {
	l := NewLoader[string](10, time.Minute)
	n := 0
	load := func(context.Context) (string, error) {
		n++
		return "v", nil
	}

	l.Get(context.Background(), "k", load)
	l.Invalidate("k")
	l.Get(context.Background(), "k", load)
	if n != 2 {
		t.Errorf("load count = %d, want 2 after invalidation", n)
	}
}

func TestLoaderDoesNotCacheErrors(t *testing.T) {
	l := NewLoader[string](10, time.Minute)
	boom := errors.New("boom")
	if _, err := l.Get(context.Background(), "k", func(context.Context) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if l.Size() != 0 {
		t.Errorf("errors must not be cached")
	}
}
