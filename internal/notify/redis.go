package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultChannel = "hookline:dispatch"

// Redis fans wake-ups out across processes over a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedis(client *redis.Client, channel string, log zerolog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "notify").Str("channel", channel).Logger(),
	}
}

func (r *Redis) Notify(ctx context.Context) error {
	if err := r.client.Publish(ctx, r.channel, "wake").Err(); err != nil {
		return fmt.Errorf("publishing wake-up: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription to be confirmed so no wake-up published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	r.log.Debug().Msg("subscribed to dispatch wake-ups")
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
