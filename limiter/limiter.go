// Package limiter implements sliding-window rate limiting over a store
// adapter. The decision logic is backend-agnostic: the same Check path runs
// against the in-process adapter and the shared-store adapter, and the
// adapter is what guarantees atomicity per (spec, client) key.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/store"
)

const keyPrefix = "rl:"

var (
	// ErrUnknownSpec is returned for a spec name that was never registered.
	// This is a configuration error and fails loudly.
	ErrUnknownSpec = errors.New("limiter: unknown spec")
	// ErrEmptyClientKey is returned when the caller supplied no principal.
	ErrEmptyClientKey = errors.New("limiter: empty client key")
)

type specCounters struct {
	admitted atomic.Int64
	rejected atomic.Int64
	degraded atomic.Int64
}

// Limiter evaluates admission checks against its registered specs.
type Limiter struct {
	adapter  store.Adapter
	coord    *degrade.Coordinator
	specs    map[string]Spec
	counters map[string]*specCounters
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for window arithmetic. Tests use
// this to move through windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter with the given specs registered. Spec names must be
// unique; duplicates and invalid specs are rejected at construction so
// misconfiguration never reaches the request path.
func New(adapter store.Adapter, coord *degrade.Coordinator, specs []Spec, opts ...Option) (*Limiter, error) {
	if adapter == nil {
		return nil, errors.New("limiter: nil store adapter")
	}
	if coord == nil {
		return nil, errors.New("limiter: nil degradation coordinator")
	}

	l := &Limiter{
		adapter:  adapter,
		coord:    coord,
		specs:    make(map[string]Spec, len(specs)),
		counters: make(map[string]*specCounters, len(specs)),
		now:      time.Now,
	}
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, exists := l.specs[s.Name]; exists {
			return nil, fmt.Errorf("limiter: duplicate spec name %q", s.Name)
		}
		l.specs[s.Name] = s
		l.counters[s.Name] = &specCounters{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Specs returns the registered specs for the administrative endpoint.
func (l *Limiter) Specs() []Spec {
	out := make([]Spec, 0, len(l.specs))
	for _, s := range l.specs {
		out = append(out, s)
	}
	return out
}

// Check evaluates one admission for clientKey under the named spec.
//
// When the store adapter fails the limiter does not silently deny service:
// the check is allowed with Decision.Degraded set, the store dependency is
// marked degraded, and no in-process fallback is consulted. Mixing backends
// inside one decision would produce an unauditable quota, so a distributed
// deployment that loses its store degrades to explicit non-enforcement.
func (l *Limiter) Check(ctx context.Context, specName, clientKey string) (Decision, error) {
	spec, ok := l.specs[specName]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownSpec, specName)
	}
	if clientKey == "" {
		return Decision{}, ErrEmptyClientKey
	}

	now := l.now()
	key := keyPrefix + spec.Name + ":" + clientKey
	// The uuid suffix disambiguates admissions landing on the same
	// millisecond in the shared store's sorted set.
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	admitted, count, oldest, err := l.adapter.SlidingWindow(ctx, key, now, spec.Window, spec.Max, member)
	if err != nil {
		l.coord.MarkFailure(degrade.DependencyStore)
		l.counters[spec.Name].degraded.Add(1)
		log.Error().Err(err).Str("spec", spec.Name).Str("client", clientKey).Msg("store unavailable, admitting unenforced")
		return Decision{Allowed: true, Remaining: -1, Degraded: true}, nil
	}
	l.coord.MarkSuccess(degrade.DependencyStore)

	resetAt := now.Add(spec.Window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(spec.Window)
	}

	if !admitted {
		l.counters[spec.Name].rejected.Add(1)
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		log.Warn().Str("spec", spec.Name).Str("client", clientKey).Int64("count", count).Msg("quota exceeded")
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}, nil
	}

	l.counters[spec.Name].admitted.Add(1)
	remaining := spec.Max - count
	if remaining < 0 {
		remaining = 0
	}
	log.Debug().Str("spec", spec.Name).Str("client", clientKey).Int64("remaining", remaining).Msg("admitted")
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// Stats returns per-spec admission counters, flattened for the degradation
// coordinator's snapshot.
func (l *Limiter) Stats() map[string]int64 {
	out := make(map[string]int64, len(l.counters)*3)
	for name, c := range l.counters {
		out[name+".admitted"] = c.admitted.Load()
		out[name+".rejected"] = c.rejected.Load()
		out[name+".degraded"] = c.degraded.Load()
	}
	return out
}
