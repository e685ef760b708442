package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/logging"
)

type fakeRedis struct {
	mu        sync.Mutex
	pingErr   error
	cmdErr    error
	published map[string][]string
	values    map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][]string{}, values: map[string]string{}}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return redis.NewIntResult(0, f.cmdErr)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return redis.NewStatusResult("", f.cmdErr)
	}
	f.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestPublishAndSetJSON(t *testing.T) {
	fake := newFakeRedis()
	svc := NewServiceWithClient(fake, logging.Nop())
	require.True(t, svc.IsHealthy())

	n, err := svc.PublishJSON(context.Background(), ChannelSignals, map[string]string{"id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{`{"id":"s1"}`}, fake.published[ChannelSignals])

	require.NoError(t, svc.SetJSON(context.Background(), KeyLatestSignal, []int{1, 2}, DefaultTTL))
	assert.Equal(t, "[1,2]", fake.values[KeyLatestSignal])
}

func TestDegradedStartup(t *testing.T) {
	fake := newFakeRedis()
	fake.pingErr = errors.New("connection refused")

	svc := NewServiceWithClient(fake, logging.Nop())
	assert.False(t, svc.IsHealthy())

	_, err := svc.PublishJSON(context.Background(), ChannelSignals, "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	fake := newFakeRedis()
	svc := NewServiceWithClient(fake, logging.Nop())

	fake.cmdErr = errors.New("timeout")
	for i := 0; i < 3; i++ {
		_, err := svc.PublishJSON(context.Background(), ChannelSignals, "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	assert.False(t, svc.IsHealthy())
	err := svc.SetJSON(context.Background(), KeyMarket, "x", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBackgroundRecovery(t *testing.T) {
	fake := newFakeRedis()
	fake.pingErr = errors.New("down")
	svc := NewServiceWithClient(fake, logging.Nop())
	svc.checkInterval = 0

	fake.mu.Lock()
	fake.pingErr = nil
	fake.mu.Unlock()

	svc.checkHealth()
	assert.Eventually(t, svc.IsHealthy, time.Second, 5*time.Millisecond)
}
