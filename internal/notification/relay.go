package notification

import (
	"context"
	"time"

	"metapulse/internal/cache"
	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/store"
)

// Publisher is the Redis surface the relay needs
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, value interface{}) (int64, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	IsHealthy() bool
}

// RedisRelay republishes signals on Redis for consumers outside this
// process and mirrors the newest one under a well-known key
type RedisRelay struct {
	redis   Publisher
	channel string
	logger  *logging.Logger
}

// NewRedisRelay creates a relay. A nil publisher disables it.
func NewRedisRelay(redis Publisher, channel string, logger *logging.Logger) *RedisRelay {
	if channel == "" {
		channel = cache.ChannelSignals
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisRelay{redis: redis, channel: channel, logger: logger.WithComponent("redis-relay")}
}

func (r *RedisRelay) Name() string {
	return "redis"
}

func (r *RedisRelay) IsEnabled() bool {
	return r.redis != nil
}

func (r *RedisRelay) Send(ctx context.Context, signal store.Signal) error {
	if r.redis == nil || !r.redis.IsHealthy() {
		return nil
	}
	if err := r.redis.SetJSON(ctx, cache.KeyLatestSignal, signal, cache.DefaultTTL); err != nil {
		return err
	}
	_, err := r.redis.PublishJSON(ctx, r.channel, signal)
	return err
}

// WatchMarket mirrors every market snapshot under cache.KeyMarket. Writes
// run off the emitting goroutine.
func (r *RedisRelay) WatchMarket(bus *events.Bus, timeout time.Duration) *events.Subscription {
	return events.Subscribe(bus, store.MarketUpdate, func(e events.Event[market.Snapshot]) {
		if r.redis == nil || !r.redis.IsHealthy() {
			return
		}
		snap := e.Payload
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := r.redis.SetJSON(ctx, cache.KeyMarket, snap, cache.DefaultTTL); err != nil {
				r.logger.WithError(err).Warn("Market mirror write failed", "key", cache.KeyMarket)
			}
		}()
	})
}
