package cache

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Invalidator subscribes to a Redis Pub/Sub channel and runs onMessage for
// every payload published to it. It generalizes two spec §4.2/§4.5 needs
// that both reduce to "a process-local cache outlives the mutation that
// should have cleared it": the node registry's 30s active-node TTL cache
// going stale across relayd replicas that share one Postgres store, and a
// tiered cache's L1 layer missing an L2 write made by another process.
// Each use case supplies its own channel and its own onMessage callback
// rather than sharing one fixed channel, so the two concerns never collide.
type Invalidator struct {
	client    *redis.Client
	channel   string
	onMessage func(payload string)

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an Invalidator that will call onMessage with the
// payload of every message published to channel once Start runs.
func NewInvalidator(client *redis.Client, channel string, onMessage func(payload string)) *Invalidator {
	return &Invalidator{client: client, channel: channel, onMessage: onMessage}
}

// NewLocalCacheInvalidator is a convenience constructor for the common case
// of invalidating a local Cache's key on receipt of its name.
func NewLocalCacheInvalidator(client *redis.Client, channel string, local Cache) *Invalidator {
	return NewInvalidator(client, channel, func(key string) {
		_ = local.Delete(context.Background(), key)
	})
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called; callers should run it in its own
// goroutine.
func (inv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, inv.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			inv.onMessage(msg.Payload)
		}
	}
}

// Publish broadcasts an invalidation signal carrying payload to every
// subscriber of this Invalidator's channel, including other processes.
func (inv *Invalidator) Publish(ctx context.Context, payload string) error {
	return inv.client.Publish(ctx, inv.channel, payload).Err()
}

// Close stops the invalidation listener.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.cancel != nil {
		inv.cancel()
	}
	return nil
}
