// Package degrade tracks the health of the subsystem's two external
// dependencies, the shared store and the risk-scoring service, and aggregates
// operational counters for the administrative snapshot. It observes and
// reports; it never makes admission decisions itself.
package degrade

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Dependency names a tracked external dependency.
type Dependency string

const (
	// DependencyStore is the shared key-value store backing the distributed
	// adapter.
	DependencyStore Dependency = "store"
	// DependencyRisk is the external risk-scoring service.
	DependencyRisk Dependency = "risk"
)

// State is the health of one dependency. Transitions are driven by call
// outcomes, not by a poller: the first failed call degrades, successes
// recover. State is process-local and resets on restart.
type State int32

const (
	Nominal State = iota
	Degraded
	Recovering
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// StatsFunc returns a component's current counters. Implementations must be
// safe for concurrent use.
type StatsFunc func() map[string]int64

type depState struct {
	state     atomic.Int32
	successes atomic.Int64 // consecutive successes while recovering
}

// Coordinator is the process-wide degradation tracker. One instance is
// created at startup and shared by reference with every component.
type Coordinator struct {
	// recoverAfter is how many consecutive successful calls a degraded
	// dependency needs before it is nominal again. With the default of 1
	// a single success flips straight back to nominal; higher values pass
	// through the recovering state.
	recoverAfter int64

	deps map[Dependency]*depState

	mu      sync.Mutex
	sources map[string]StatsFunc
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRecoverAfter sets the consecutive-success threshold for returning to
// nominal. Defaults to 1.
func WithRecoverAfter(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.recoverAfter = n
		}
	}
}

// NewCoordinator creates a coordinator tracking the store and risk
// dependencies, both initially nominal.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		recoverAfter: 1,
		deps: map[Dependency]*depState{
			DependencyStore: {},
			DependencyRisk:  {},
		},
		sources: make(map[string]StatsFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkFailure records a failed call to dep. Any state transitions to
// Degraded immediately.
func (c *Coordinator) MarkFailure(dep Dependency) {
	ds, ok := c.deps[dep]
	if !ok {
		return
	}
	ds.successes.Store(0)
	prev := State(ds.state.Swap(int32(Degraded)))
	if prev != Degraded {
		log.Warn().Str("dependency", string(dep)).Str("from", prev.String()).Msg("dependency degraded")
	}
}

// MarkSuccess records a successful call to dep. A degraded dependency
// becomes nominal once recoverAfter consecutive successes have been seen,
// passing through Recovering when the threshold is above one.
func (c *Coordinator) MarkSuccess(dep Dependency) {
	ds, ok := c.deps[dep]
	if !ok {
		return
	}
	switch State(ds.state.Load()) {
	case Nominal:
		return
	case Degraded, Recovering:
		n := ds.successes.Add(1)
		if n >= c.recoverAfter {
			ds.successes.Store(0)
			ds.state.Store(int32(Nominal))
			log.Info().Str("dependency", string(dep)).Msg("dependency recovered")
			return
		}
		ds.state.Store(int32(Recovering))
	}
}

// StateOf returns the current state of dep.
func (c *Coordinator) StateOf(dep Dependency) State {
	ds, ok := c.deps[dep]
	if !ok {
		return Nominal
	}
	return State(ds.state.Load())
}

// IsDegraded reports whether dep is currently degraded.
func (c *Coordinator) IsDegraded(dep Dependency) bool {
	return c.StateOf(dep) == Degraded
}

// Register adds a named counter source consumed by Snapshot. Registering the
// same name twice replaces the previous source.
func (c *Coordinator) Register(name string, fn StatsFunc) {
	if name == "" || fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = fn
}

// Snapshot is a read-only view for response annotation and the admin
// endpoint.
type Snapshot struct {
	Dependencies map[string]string           `json:"dependencies"`
	Stats        map[string]map[string]int64 `json:"stats"`
}

// Snapshot captures the current dependency states and all registered
// counters.
func (c *Coordinator) Snapshot() Snapshot {
	snap := Snapshot{
		Dependencies: make(map[string]string, len(c.deps)),
		Stats:        make(map[string]map[string]int64),
	}
	for dep, ds := range c.deps {
		snap.Dependencies[string(dep)] = State(ds.state.Load()).String()
	}

	c.mu.Lock()
	sources := make(map[string]StatsFunc, len(c.sources))
	for name, fn := range c.sources {
		sources[name] = fn
	}
	c.mu.Unlock()

	for name, fn := range sources {
		snap.Stats[name] = fn()
	}
	return snap
}
