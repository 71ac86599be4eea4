// Package shield wires the rate-limiting, caching and risk-gate subsystem of
// the provider directory into one process-scoped runtime. Everything hangs
// off the Shield object created at startup: the backend selection, the shared
// store connection, the background janitor and the invalidation listener.
// There are no package-level singletons; teardown is an explicit Close.
package shield

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/cache"
	"github.com/provdir/shield/config"
	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/limiter"
	"github.com/provdir/shield/riskgate"
	"github.com/provdir/shield/store"
)

// Backend names which store adapter the runtime selected at startup.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Shield is the subsystem runtime. One instance per process, shared by
// reference with every request handler.
type Shield struct {
	backend Backend

	client  *redis.Client
	mem     *store.Memory
	adapter store.Adapter

	coord *degrade.Coordinator
	lim   *limiter.Limiter
	cch   *cache.Cache
	gate  *riskgate.Gate
	inval *cache.Invalidator

	closed bool
}

// New builds the runtime from configuration. The backend is chosen here,
// once: a configured store address selects the shared-store adapter, its
// absence selects the in-process adapter. Both are nominal modes.
func New(cfg *config.Config) (*Shield, error) {
	if cfg == nil {
		return nil, errors.New("shield: nil config")
	}

	s := &Shield{coord: degrade.NewCoordinator()}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
			ReadTimeout:  time.Duration(cfg.Redis.ReadTimeoutMs) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Redis.WriteTimeoutMs) * time.Millisecond,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("shield: shared store unreachable at startup: %w", err)
		}

		opts := []store.RedisOption{
			store.WithOpTimeout(time.Duration(cfg.Redis.OpTimeoutMs) * time.Millisecond),
		}
		if cfg.Cache.ScanBatch > 0 {
			opts = append(opts, store.WithScanBatch(cfg.Cache.ScanBatch))
		}
		if cfg.Cache.ScanRatePerSec > 0 {
			opts = append(opts, store.WithScanRate(cfg.Cache.ScanRatePerSec))
		}
		s.client = client
		s.adapter = store.NewRedis(client, opts...)
		s.backend = BackendRedis
	} else {
		s.mem = store.NewMemory(store.WithSweepInterval(cfg.SweepInterval()))
		s.adapter = s.mem
		s.backend = BackendMemory
	}

	specs := make([]limiter.Spec, 0, len(cfg.Limits)+1)
	for _, lc := range cfg.Limits {
		specs = append(specs, limiter.Spec{Name: lc.Name, Max: lc.Max, Window: lc.Window()})
	}
	if cfg.Risk.Endpoint != "" {
		fb := cfg.Risk.Fallback
		specs = append(specs, limiter.Spec{Name: fb.Name, Max: fb.Max, Window: fb.Window()})
	}

	lim, err := limiter.New(s.adapter, s.coord, specs)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.lim = lim

	s.cch = cache.New(s.adapter, s.coord,
		cache.WithDefaultTTL(time.Duration(cfg.Cache.DefaultTTLMs)*time.Millisecond))

	if cfg.Risk.Endpoint != "" {
		gopts := []riskgate.Option{
			riskgate.WithTimeout(time.Duration(cfg.Risk.TimeoutMs) * time.Millisecond),
			riskgate.WithMinScore(*cfg.Risk.MinScore),
		}
		if cfg.Risk.Mode == config.ModeFailClosed {
			gopts = append(gopts, riskgate.WithMode(riskgate.FailClosed))
		}
		for action, t := range cfg.Risk.Thresholds {
			gopts = append(gopts, riskgate.WithActionThreshold(action, t))
		}
		gate, err := riskgate.New(cfg.Risk.Endpoint, cfg.Risk.Secret, lim, cfg.Risk.Fallback.Name, s.coord, gopts...)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.gate = gate
		s.coord.Register("riskgate", gate.Stats)
	}

	s.coord.Register("limiter", lim.Stats)
	s.coord.Register("cache", s.cch.Counters)

	if s.mem != nil {
		s.mem.StartJanitor()
	}
	if s.client != nil && cfg.Cache.InvalidationChannel != "" {
		s.inval = cache.NewInvalidator(s.cch, s.client, cfg.Cache.InvalidationChannel)
		s.inval.Start()
	}

	log.Info().Str("backend", string(s.backend)).Int("specs", len(specs)).Bool("risk_gate", s.gate != nil).Msg("shield runtime ready")
	return s, nil
}

// Backend reports which adapter was selected at startup.
func (s *Shield) Backend() Backend { return s.backend }

// Limiter returns the sliding-window limiter.
func (s *Shield) Limiter() *limiter.Limiter { return s.lim }

// Cache returns the caching layer.
func (s *Shield) Cache() *cache.Cache { return s.cch }

// Gate returns the risk gate, or nil when no scoring service is configured.
func (s *Shield) Gate() *riskgate.Gate { return s.gate }

// Coordinator returns the degradation coordinator.
func (s *Shield) Coordinator() *degrade.Coordinator { return s.coord }

// Close stops background work and releases the shared store connection.
// Safe to call once; subsequent calls are no-ops.
func (s *Shield) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.teardown()
}

func (s *Shield) teardown() error {
	if s.inval != nil {
		s.inval.Stop()
	}
	if s.mem != nil {
		s.mem.StopJanitor()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("shield: closing store connection: %w", err)
		}
	}
	return nil
}
