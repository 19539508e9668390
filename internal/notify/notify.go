// Package notify wakes dispatchers when new deliveries are enqueued.
// Wake-ups are hints: a missed one only delays work until the next poll tick.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/config"
)

type Notifier interface {
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value per (coalesced) wake-up.
	// It is closed when ctx is done or the notifier is closed.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// New builds the notifier selected by cfg.Driver.
func New(cfg config.NotifyConfig, log zerolog.Logger) (Notifier, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client, cfg.Redis.Channel, log), nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
}
