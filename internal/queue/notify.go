package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier carries publish wake-ups to idle consumers over a Redis pub/sub
// channel. Purely an optimization: correctness rests on interval polling, so
// a lost or late notification only delays pickup by one poll interval.
type Notifier struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewNotifier(rdb *redis.Client, channel string, log *zap.Logger) *Notifier {
	if channel == "" {
		channel = "leaseq:wake"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{rdb: rdb, channel: channel, log: log}
}

// Wake signals that new work may be available.
func (n *Notifier) Wake(ctx context.Context) error {
	return n.rdb.Publish(ctx, n.channel, "1").Err()
}

// Listen subscribes to the wake channel and forwards a token per message
// until ctx is done. The returned channel is buffered and never blocks the
// subscriber; coalesced wake-ups are fine.
func (n *Notifier) Listen(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	sub := n.rdb.Subscribe(ctx, n.channel)

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					n.log.Warn("wake subscription closed")
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	return wake
}
