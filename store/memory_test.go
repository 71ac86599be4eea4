package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemorySlidingWindow_Basics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	window := time.Hour

	for i := 0; i < 10; i++ {
		admitted, count, _, err := m.SlidingWindow(ctx, "k", now, window, 10, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("unexpected error on check %d: %v", i, err)
		}
		if !admitted {
			t.Fatalf("check %d should have been admitted", i)
		}
		if count != int64(i+1) {
			t.Errorf("check %d: count = %d, want %d", i, count, i+1)
		}
	}

	admitted, count, _, err := m.SlidingWindow(ctx, "k", now, window, 10, "m10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if admitted {
		t.Error("11th entry should have been rejected")
	}
	if count != 10 {
		t.Errorf("count after rejection = %d, want 10", count)
	}
}

func TestMemorySlidingWindow_RejectionConsumesNoQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.SlidingWindow(ctx, "k", now, time.Minute, 2, fmt.Sprintf("m%d", i))
	}
	// Two rejected attempts must not extend the window occupancy: once the
	// two admitted entries age out, a new request is admitted again.
	later := now.Add(61 * time.Second)
	admitted, _, _, err := m.SlidingWindow(ctx, "k", later, time.Minute, 2, "fresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !admitted {
		t.Error("entry after the window elapsed should have been admitted")
	}
}

func TestMemorySlidingWindow_BoundaryEntrySurvives(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now().Truncate(time.Millisecond)

	m.SlidingWindow(ctx, "k", base, time.Minute, 1, "a")

	// An entry aged exactly one window is still inside the trailing window.
	admitted, count, _, err := m.SlidingWindow(ctx, "k", base.Add(time.Minute), time.Minute, 1, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if admitted || count != 1 {
		t.Errorf("at the exact boundary: admitted=%v count=%d, want rejection at count 1", admitted, count)
	}

	admitted, _, _, _ = m.SlidingWindow(ctx, "k", base.Add(time.Minute+time.Millisecond), time.Minute, 1, "c")
	if !admitted {
		t.Error("one millisecond past the boundary the slot should be free")
	}
}

func TestMemorySlidingWindow_OldestSurvivor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	m.SlidingWindow(ctx, "k", base, time.Minute, 5, "a")
	_, _, oldest, _ := m.SlidingWindow(ctx, "k", base.Add(10*time.Second), time.Minute, 5, "b")
	if oldest.UnixMilli() != base.UnixMilli() {
		t.Errorf("oldest = %v, want %v", oldest.UnixMilli(), base.UnixMilli())
	}

	// After the first entry ages out the second one becomes the oldest.
	_, _, oldest, _ = m.SlidingWindow(ctx, "k", base.Add(70*time.Second), time.Minute, 5, "c")
	if oldest.UnixMilli() != base.Add(10*time.Second).UnixMilli() {
		t.Errorf("oldest after prune = %v, want %v", oldest.UnixMilli(), base.Add(10*time.Second).UnixMilli())
	}
}

func TestMemorySlidingWindow_ConcurrentBurst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admittedCount := 0

	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func(i int) {
			defer wg.Done()
			admitted, _, _, err := m.SlidingWindow(ctx, "burst", now, time.Hour, 10, fmt.Sprintf("m%d", i))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if admitted {
				mu.Lock()
				admittedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admittedCount != 10 {
		t.Errorf("admitted %d of 50 concurrent requests, want exactly 10", admittedCount)
	}
}

func TestMemoryValues_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &fakeClock{t: now}
	m := NewMemory(WithClock(clock.Now))

	if err := m.Set(ctx, "cache:search:ny:cardio", []byte("payload"), 300*time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, ok, err := m.Get(ctx, "cache:search:ny:cardio")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(val) != "payload" {
		t.Errorf("value = %q, want %q", val, "payload")
	}

	clock.Advance(301 * time.Second)
	if _, ok, _ := m.Get(ctx, "cache:search:ny:cardio"); ok {
		t.Error("entry past its TTL should be a miss")
	}
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Set(ctx, "cache:search:a", []byte("1"), time.Minute)
	m.Set(ctx, "cache:search:b", []byte("2"), time.Minute)
	m.Set(ctx, "cache:detail:a", []byte("3"), time.Minute)

	removed, err := m.DeleteByPrefix(ctx, "cache:search:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok, _ := m.Get(ctx, "cache:detail:a"); !ok {
		t.Error("entry under a different prefix must survive")
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &fakeClock{t: now}
	m := NewMemory(WithClock(clock.Now))

	m.SlidingWindow(ctx, "rl:reads:ip:1", now, time.Minute, 5, "a")
	m.Set(ctx, "cache:x", []byte("1"), 30*time.Second)

	clock.Advance(2 * time.Minute)
	m.Sweep()

	m.mu.Lock()
	windows, values := len(m.windows), len(m.values)
	m.mu.Unlock()
	if windows != 0 {
		t.Errorf("expired window keys remaining after sweep: %d", windows)
	}
	if values != 0 {
		t.Errorf("expired value keys remaining after sweep: %d", values)
	}
}

func TestMemoryJanitorLifecycle(t *testing.T) {
	m := NewMemory(WithSweepInterval(10 * time.Millisecond))
	m.StartJanitor()
	m.StartJanitor() // second start is a no-op
	m.StopJanitor()
	m.StopJanitor() // second stop is a no-op
}

func TestMemorySize_CountsOnlyLivePrefixed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &fakeClock{t: now}
	m := NewMemory(WithClock(clock.Now))

	m.Set(ctx, "cache:a", []byte("1"), 10*time.Second)
	m.Set(ctx, "cache:b", []byte("2"), time.Hour)
	m.Set(ctx, "other:c", []byte("3"), time.Hour)

	clock.Advance(30 * time.Second)
	n, err := m.Size(ctx, "cache:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("size = %d, want 1 (one live entry under prefix)", n)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
