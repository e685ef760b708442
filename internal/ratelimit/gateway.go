// Package ratelimit guards paid external resources behind rolling-window
// quotas and throttles abusive callers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Well-known resources
const (
	ResourceAI         = "ai"
	ResourceSocialPost = "social-post"
)

var (
	// ErrRateLimited means the resource quota is exhausted and the operation was not run
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownResource means no quota was registered under the key
	ErrUnknownResource = errors.New("unknown rate-limited resource")
)

// OperationError wraps a failure of the guarded operation. The consumed
// point has already been refunded when it is returned.
type OperationError struct {
	Resource string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s operation failed: %v", e.Resource, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Quota is the number of points available per rolling window
type Quota struct {
	Points int
	Window time.Duration
}

// Result carries the operation value and the quota left after it
type Result[T any] struct {
	Value     T
	Remaining int
}

// limiter tracks the consumption times still inside the window
type limiter struct {
	quota Quota
	taken []time.Time
}

func (l *limiter) prune(now time.Time) {
	cutoff := now.Add(-l.quota.Window)
	kept := l.taken[:0]
	for _, t := range l.taken {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.taken = kept
}

// Gateway owns one limiter per named resource
type Gateway struct {
	mu       sync.Mutex
	limiters map[string]*limiter
	now      func() time.Time
}

// NewGateway creates a gateway with the given quotas
func NewGateway(quotas map[string]Quota) *Gateway {
	g := &Gateway{
		limiters: make(map[string]*limiter, len(quotas)),
		now:      time.Now,
	}
	for key, q := range quotas {
		g.Register(key, q)
	}
	return g
}

// Register adds or replaces the quota for key, resetting its state
func (g *Gateway) Register(key string, q Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[key] = &limiter{quota: q}
}

// Remaining reports the points currently available for key
func (g *Gateway) Remaining(key string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		return 0, ErrUnknownResource
	}
	l.prune(g.now())
	return l.quota.Points - len(l.taken), nil
}

// Quotas reports remaining points for every registered resource
func (g *Gateway) Quotas() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make(map[string]int, len(g.limiters))
	for key, l := range g.limiters {
		l.prune(now)
		out[key] = l.quota.Points - len(l.taken)
	}
	return out
}

// consume takes one point and returns its timestamp for a later refund
func (g *Gateway) consume(key string) (time.Time, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		return time.Time{}, 0, ErrUnknownResource
	}

	now := g.now()
	l.prune(now)
	if len(l.taken) >= l.quota.Points {
		return time.Time{}, 0, ErrRateLimited
	}
	l.taken = append(l.taken, now)
	return now, l.quota.Points - len(l.taken), nil
}

// refund returns the point taken at ts, if it is still in the window
func (g *Gateway) refund(key string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		return
	}
	for i, t := range l.taken {
		if t.Equal(ts) {
			l.taken = append(l.taken[:i], l.taken[i+1:]...)
			return
		}
	}
}

// Call runs op under the quota of key. An exhausted quota returns
// ErrRateLimited without invoking op. A failing op has its point refunded
// and the cause wrapped in *OperationError.
func Call[T any](ctx context.Context, g *Gateway, key string, op func(context.Context) (T, error)) (Result[T], error) {
	ts, remaining, err := g.consume(key)
	if err != nil {
		return Result[T]{}, err
	}

	value, err := op(ctx)
	if err != nil {
		g.refund(key, ts)
		return Result[T]{}, &OperationError{Resource: key, Err: err}
	}
	return Result[T]{Value: value, Remaining: remaining}, nil
}
