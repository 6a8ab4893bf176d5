package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// wakeChannel is the pub/sub channel used to nudge the sweeper when a
// concurrency slot frees up. Purely an optimization; the sweeper's interval
// polling works without it.
const wakeChannel = "credhub:queue:wake"

// Notifier publishes and subscribes to queue wake-ups over Redis. A nil
// Notifier (or one built over a nil client) is a silent no-op so deployments
// without Redis keep working.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	if client == nil {
		return nil
	}
	return &Notifier{client: client}
}

// Wake signals subscribers that queue capacity may be available
func (n *Notifier) Wake(ctx context.Context) error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Publish(ctx, wakeChannel, "1").Err()
}

// Listen subscribes to wake-ups. The returned channel closes when the
// context is cancelled; the cleanup func tears down the subscription.
func (n *Notifier) Listen(ctx context.Context) (<-chan struct{}, func()) {
	out := make(chan struct{}, 1)
	if n == nil || n.client == nil {
		close(out)
		return out, func() {}
	}

	sub := n.client.Subscribe(ctx, wakeChannel)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// Coalesce bursts: one pending wake is enough
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, func() {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Msg("queue wake subscription close failed")
		}
	}
}
