package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Invalidator listens on a shared pub/sub channel for invalidation messages,
// so a mutation on one application instance can invalidate cached reads
// everywhere. Each message payload is a key prefix to drop; an empty payload
// clears the whole namespace.
//
// Only deployments on the shared store run one; in single-instance memory
// mode the data owner calls DeleteByPrefix in process and no listener exists.
type Invalidator struct {
	cache   *Cache
	client  *redis.Client
	channel string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInvalidator creates a listener bound to the given channel.
func NewInvalidator(c *Cache, client *redis.Client, channel string) *Invalidator {
	return &Invalidator{
		cache:   c,
		client:  client,
		channel: channel,
	}
}

// Start launches the subscription goroutine. go-redis reconnects the pub/sub
// connection itself, so a store outage pauses invalidations rather than
// killing the listener.
func (inv *Invalidator) Start() {
	if inv.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	inv.cancel = cancel
	inv.done = make(chan struct{})

	sub := inv.client.Subscribe(ctx, inv.channel)
	go func() {
		defer close(inv.done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn().Str("channel", inv.channel).Msg("invalidation subscription closed")
					return
				}
				removed := inv.cache.DeleteByPrefix(ctx, msg.Payload)
				log.Debug().Str("prefix", msg.Payload).Int64("removed", removed).Msg("invalidation message applied")
			}
		}
	}()
	log.Info().Str("channel", inv.channel).Msg("cache invalidation listener started")
}

// Stop terminates the subscription and waits for the goroutine to exit.
func (inv *Invalidator) Stop() {
	if inv.cancel == nil {
		return
	}
	inv.cancel()
	<-inv.done
	inv.cancel = nil
	log.Debug().Str("channel", inv.channel).Msg("cache invalidation listener stopped")
}
