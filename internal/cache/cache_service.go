// Package cache wraps Redis for the out-of-process side of the signal feed:
// pub/sub announcements and a "latest" mirror that other services can read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"metapulse/internal/logging"
)

// ErrUnavailable is returned while the circuit is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Key and channel names
const (
	ChannelSignals  = "metapulse:signals"
	KeyLatestSignal = "metapulse:signal:latest"
	KeyMarket       = "metapulse:market:snapshot"
)

// DefaultTTL bounds how long mirrored state survives without refresh
const DefaultTTL = 24 * time.Hour

// Config holds Redis connection settings
type Config struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Client is the subset of *redis.Client the service uses
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Service provides Redis access with graceful degradation. After
// maxFailures consecutive errors it stops issuing commands until a
// background ping succeeds.
type Service struct {
	client       Client
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
	logger        *logging.Logger
}

// NewService connects to Redis. A failed initial ping returns the service
// in degraded mode rather than an error.
func NewService(cfg Config, logger *logging.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return NewServiceWithClient(client, logger), nil
}

// NewServiceWithClient wraps an existing client and pings it once
func NewServiceWithClient(client Client, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		client:        client,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		logger:        logger.WithComponent("cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("Initial Redis connection failed, running degraded", "error", err)
		s.lastCheck = time.Now()
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	return s
}

// IsHealthy returns whether Redis is currently available
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn("Redis marked unhealthy", "failures", s.failureCount)
		}
		s.healthy = false
		s.lastCheck = time.Now()
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info("Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed
// since the circuit opened
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		} else {
			s.mu.Lock()
			s.lastCheck = time.Now()
			s.mu.Unlock()
		}
	}()
}

// PublishJSON marshals value and publishes it on channel. It returns the
// number of subscribers that received it.
func (s *Service) PublishJSON(ctx context.Context, channel string, value interface{}) (int64, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return 0, ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal value: %w", err)
	}

	n, err := s.client.Publish(ctx, channel, data).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis publish failed: %w", err)
	}

	s.recordSuccess()
	return n, nil
}

// SetJSON stores value as JSON under key with ttl
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Close releases the connection pool
func (s *Service) Close() error {
	return s.client.Close()
}
