package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = 1 * time.Minute

// Memory is the in-process Adapter used when no shared store is configured.
// Single-instance operation on this adapter is nominal, not degraded.
type Memory struct {
	now        func() time.Time
	sweepEvery time.Duration

	mu      sync.Mutex // guards windows, values and janitor state
	windows map[string]*windowSet
	values  map[string]valueEntry

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

type windowEntry struct {
	atMs   int64
	member string
}

// windowSet holds the admitted entries for one (spec, client) key.
// Its mutex is the per-key critical section; Memory.mu is only held long
// enough to look the set up, so independent keys proceed in parallel.
type windowSet struct {
	mu        sync.Mutex
	entries   []windowEntry
	expiresAt time.Time
}

type valueEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryOption configures a Memory adapter.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Tests use this to simulate TTL expiry
// without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepInterval sets how often the janitor drops fully-expired keys.
// Defaults to 1 minute.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// NewMemory creates an in-process adapter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:        time.Now,
		sweepEvery: defaultSweepInterval,
		windows:    make(map[string]*windowSet),
		values:     make(map[string]valueEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SlidingWindow implements Adapter. The window set's lock is held for the
// whole prune/count/insert sequence, which is what makes concurrent checks on
// the same key observe a serialized admission count.
func (m *Memory) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, max int64, member string) (bool, int64, time.Time, error) {
	m.mu.Lock()
	ws, ok := m.windows[key]
	if !ok {
		ws = &windowSet{}
		m.windows[key] = ws
	}
	ws.mu.Lock()
	m.mu.Unlock()
	defer ws.mu.Unlock()

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	// Entries are appended in admission order, so pruning is a prefix cut.
	idx := 0
	for idx < len(ws.entries) && ws.entries[idx].atMs < cutoff {
		idx++
	}
	if idx > 0 {
		ws.entries = append(ws.entries[:0], ws.entries[idx:]...)
	}
	ws.expiresAt = now.Add(window)

	count := int64(len(ws.entries))
	admitted := count < max
	if admitted {
		ws.entries = append(ws.entries, windowEntry{atMs: nowMs, member: member})
		count++
	}

	var oldest time.Time
	if len(ws.entries) > 0 {
		oldest = time.UnixMilli(ws.entries[0].atMs)
	}
	return admitted, count, oldest, nil
}

// Get implements Adapter. Expiry is checked on every read so a stale entry is
// a miss even before the janitor removes it.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(ent.expiresAt) {
		delete(m.values, key)
		return nil, false, nil
	}
	return ent.data, true, nil
}

// Set implements Adapter.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = valueEntry{data: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete implements Adapter.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// DeleteByPrefix implements Adapter.
func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
			removed++
		}
	}
	return removed, nil
}

// Size implements Adapter. Expired-but-unswept entries are not counted.
func (m *Memory) Size(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for k, ent := range m.values {
		if strings.HasPrefix(k, prefix) && !now.After(ent.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Sweep drops window keys whose entire entry set has expired and value keys
// past their TTL. The janitor calls it on a timer; tests call it directly.
func (m *Memory) Sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, ws := range m.windows {
		ws.mu.Lock()
		dead := now.After(ws.expiresAt)
		ws.mu.Unlock()
		if dead {
			delete(m.windows, key)
		}
	}
	for key, ent := range m.values {
		if now.After(ent.expiresAt) {
			delete(m.values, key)
		}
	}
}

// StartJanitor launches the periodic sweep goroutine. It is independent of
// request traffic and must be stopped with StopJanitor on shutdown.
func (m *Memory) StartJanitor() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
	log.Debug().Dur("interval", m.sweepEvery).Msg("memory store janitor started")
}

// StopJanitor stops the sweep goroutine and waits for it to exit.
func (m *Memory) StopJanitor() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
	log.Debug().Msg("memory store janitor stopped")
}
