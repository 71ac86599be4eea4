package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(opts ...Option) (*Cache, *testClock, *degrade.Coordinator) {
	clock := &testClock{t: time.Now()}
	coord := degrade.NewCoordinator()
	c := New(store.NewMemory(store.WithClock(clock.Now)), coord, opts...)
	return c, clock, coord
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache()

	c.Set(ctx, "search:ny:cardio", []byte("payload"), 300*time.Second)

	val, ok := c.Get(ctx, "search:ny:cardio")
	if !ok {
		t.Fatal("expected a hit immediately after set")
	}
	if string(val) != "payload" {
		t.Errorf("value = %q, want %q", val, "payload")
	}

	clock.Advance(301 * time.Second)
	if _, ok := c.Get(ctx, "search:ny:cardio"); ok {
		t.Error("entry past its TTL must be a miss")
	}
}

func TestCache_MissOnAbsent(t *testing.T) {
	c, _, _ := newTestCache()
	if _, ok := c.Get(context.Background(), "never-set"); ok {
		t.Error("absent key must be a miss")
	}
}

func TestCache_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache()

	c.Set(ctx, "search:ny:a", []byte("1"), time.Minute)
	c.Set(ctx, "search:nj:b", []byte("2"), time.Minute)
	c.Set(ctx, "detail:77", []byte("3"), time.Minute)

	if removed := c.DeleteByPrefix(ctx, "search:"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := c.Get(ctx, "search:ny:a"); ok {
		t.Error("invalidated entry still served")
	}
	if _, ok := c.Get(ctx, "detail:77"); !ok {
		t.Error("entry under a different prefix must survive invalidation")
	}
}

func TestCache_ClearAll(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache()

	c.Set(ctx, "search:a", []byte("1"), time.Minute)
	c.Set(ctx, "detail:b", []byte("2"), time.Minute)

	if removed := c.ClearAll(ctx); removed != 2 {
		t.Errorf("clear removed = %d, want 2", removed)
	}
}

func TestCache_Stats(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Get(ctx, "a")
	c.Get(ctx, "missing")
	c.Delete(ctx, "a")

	stats := c.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 || stats.Deletes != 1 {
		t.Errorf("stats = %+v, want one of each", stats)
	}
	if stats.Size != 0 {
		t.Errorf("size = %d, want 0 after delete", stats.Size)
	}
}

func TestCache_PerNamespaceStats(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache()

	c.Set(ctx, "search:ny:cardio", []byte("1"), time.Minute)
	c.Get(ctx, "search:ny:cardio")
	c.Get(ctx, "search:nj:derm")
	c.Get(ctx, "detail:77")

	stats := c.Stats(ctx)
	search := stats.Namespaces["search"]
	if search.Hits != 1 || search.Misses != 1 {
		t.Errorf("search namespace = %+v, want 1 hit / 1 miss", search)
	}
	detail := stats.Namespaces["detail"]
	if detail.Hits != 0 || detail.Misses != 1 {
		t.Errorf("detail namespace = %+v, want 0 hits / 1 miss", detail)
	}
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("totals = %d hits / %d misses, want 1 / 2", stats.Hits, stats.Misses)
	}
}

func TestCache_DefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(WithDefaultTTL(10 * time.Second))

	c.Set(ctx, "a", []byte("1"), 0)
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("expected hit inside default TTL")
	}
	clock.Advance(11 * time.Second)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("default TTL was not applied")
	}
}

// brokenAdapter simulates an unreachable shared store.
type brokenAdapter struct{}

func (brokenAdapter) SlidingWindow(context.Context, string, time.Time, time.Duration, int64, string) (bool, int64, time.Time, error) {
	return false, 0, time.Time{}, store.ErrUnavailable
}
func (brokenAdapter) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, store.ErrUnavailable
}
func (brokenAdapter) Set(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}
func (brokenAdapter) Delete(context.Context, ...string) error { return store.ErrUnavailable }
func (brokenAdapter) DeleteByPrefix(context.Context, string) (int64, error) {
	return 0, store.ErrUnavailable
}
func (brokenAdapter) Size(context.Context, string) (int64, error) { return 0, store.ErrUnavailable }

func TestCache_StoreFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	coord := degrade.NewCoordinator()
	c := New(brokenAdapter{}, coord)

	// Neither reads nor writes may panic or surface errors; reads are
	// misses and the dependency is marked degraded.
	c.Set(ctx, "a", []byte("1"), time.Minute)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("read against a broken store must be a miss")
	}
	if coord.StateOf(degrade.DependencyStore) != degrade.Degraded {
		t.Error("store failures must mark the dependency degraded")
	}
}
