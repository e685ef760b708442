// Package circuit stops calling a failing upstream for a cooldown period.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls rejected
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled             bool          `json:"enabled"`
	MaxConsecutiveFails int           `json:"max_consecutive_fails"`
	Cooldown            time.Duration `json:"cooldown"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		MaxConsecutiveFails: 3,
		Cooldown:            2 * time.Minute,
	}
}

// Breaker trips after consecutive failures and lets a single probe through
// once the cooldown has passed
type Breaker struct {
	config           *Config
	state            BreakerState
	consecutiveFails int
	lastTripTime     time.Time
	tripReason       string
	probing          bool
	mu               sync.Mutex
	onTrip           func(reason string)
	onReset          func()
	now              func() time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConsecutiveFails <= 0 {
		config.MaxConsecutiveFails = DefaultConfig().MaxConsecutiveFails
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnTrip sets callback for when breaker trips
func (cb *Breaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (cb *Breaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow reports whether a call may proceed
func (cb *Breaker) Allow() error {
	if !cb.config.Enabled {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastTripTime)
		if elapsed < cb.config.Cooldown {
			return fmt.Errorf("%w: cooldown remaining %v (reason: %s)",
				ErrOpen, (cb.config.Cooldown - elapsed).Round(time.Second), cb.tripReason)
		}
		// Cooldown passed, let one probe through
		cb.state = StateHalfOpen
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return fmt.Errorf("%w: recovery probe in flight", ErrOpen)
		}
		cb.probing = true
	}
	return nil
}

// RecordSuccess closes the breaker and clears the failure streak
func (cb *Breaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	recovered := cb.state != StateClosed
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.probing = false
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure counts a failed call and trips when the streak is too long.
// A failed recovery probe trips immediately.
func (cb *Breaker) RecordFailure(err error) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}

	if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.config.MaxConsecutiveFails {
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %s", cb.consecutiveFails, reason))
	}
}

// trip opens the circuit breaker. Caller holds cb.mu.
func (cb *Breaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
	cb.probing = false

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
}

// ReleaseProbe gives back the half-open probe slot when a call ended without
// an answer from the upstream. State and failure count are unchanged.
func (cb *Breaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// State returns current breaker state
func (cb *Breaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *Breaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]interface{}{
		"state":             string(cb.state),
		"consecutive_fails": cb.consecutiveFails,
		"trip_reason":       cb.tripReason,
	}
	if !cb.lastTripTime.IsZero() {
		stats["last_trip_time"] = cb.lastTripTime
	}
	return stats
}
