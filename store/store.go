// Package store provides the key-value backends used by the rate limiter and
// the cache layer. Two interchangeable adapters exist: an in-process memory
// adapter for single-instance deployments and a Redis adapter for deployments
// that share quota and cache state across instances.
//
// The sliding-window operation is the one primitive that must be atomic per
// key: the memory adapter guarantees this with a per-key critical section, the
// Redis adapter with a single server-side Lua script.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached
	// within the operation's deadline. Callers translate it into their own
	// degradation policy; it is never surfaced to end users directly.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Adapter is the backend contract shared by the limiter and the cache.
// Implementations must serialize operations that touch the same logical key
// and must never block past the deadline carried by ctx.
type Adapter interface {
	// SlidingWindow atomically prunes entries older than now-window from the
	// set at key, and admits member at now if fewer than max entries remain.
	// It returns whether the member was admitted, the number of entries in
	// the window after the call, and the timestamp of the oldest surviving
	// entry (zero time when the window is empty). A rejected member consumes
	// no quota. The set's expiry is refreshed to the window duration so idle
	// keys self-expire.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, max int64, member string) (admitted bool, count int64, oldest time.Time, err error)

	// Get returns the value stored at key, or ok=false when the key is
	// absent or its TTL has elapsed. The two cases are indistinguishable.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value at key with an absolute expiry ttl from now.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given value keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes every value key starting with prefix and
	// returns how many were removed. Implementations must iterate
	// incrementally; a large keyspace must not block the store for other
	// clients.
	DeleteByPrefix(ctx context.Context, prefix string) (removed int64, err error)

	// Size reports the number of live value entries whose key starts with
	// prefix. It serves the administrative snapshot, not the request path.
	Size(ctx context.Context, prefix string) (int64, error)
}
