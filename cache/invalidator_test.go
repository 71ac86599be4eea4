package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/store"
)

// liveRedisCache returns a cache over a local Redis plus the raw client, or
// skips. The returned namespace keeps test keys out of each other's way.
func liveRedisCache(t *testing.T) (*Cache, *redis.Client, string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("skipping: redis not available (%v)", err)
	}
	t.Cleanup(func() { client.Close() })
	ns := fmt.Sprintf("shieldtest%d", time.Now().UnixNano())
	return New(store.NewRedis(client), degrade.NewCoordinator()), client, ns
}

func TestInvalidator_DropsPublishedPrefix(t *testing.T) {
	c, client, ns := liveRedisCache(t)
	ctx := context.Background()
	channel := ns + ":invalidate"

	c.Set(ctx, ns+":search:ny", []byte("1"), time.Minute)
	c.Set(ctx, ns+":search:nj", []byte("2"), time.Minute)
	c.Set(ctx, ns+":detail:77", []byte("3"), time.Minute)
	t.Cleanup(func() { c.DeleteByPrefix(ctx, ns) })

	inv := NewInvalidator(c, client, channel)
	inv.Start()
	t.Cleanup(inv.Stop)

	// The subscription is established asynchronously; publish until the
	// message lands on at least one subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.Publish(ctx, channel, ns+":search:").Result()
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invalidation subscription never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Delivery and the prefix delete are asynchronous too.
	deadline = time.Now().Add(2 * time.Second)
	for {
		_, okNY := c.Get(ctx, ns+":search:ny")
		_, okNJ := c.Get(ctx, ns+":search:nj")
		if !okNY && !okNJ {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("published prefix was never invalidated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := c.Get(ctx, ns+":detail:77"); !ok {
		t.Error("entry outside the published prefix must survive")
	}
}

func TestInvalidator_StartStopIdempotent(t *testing.T) {
	c, client, ns := liveRedisCache(t)

	inv := NewInvalidator(c, client, ns+":invalidate")
	inv.Start()
	inv.Start() // second start is a no-op
	inv.Stop()
	inv.Stop() // second stop is a no-op
}
