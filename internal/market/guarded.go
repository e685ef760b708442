package market

import (
	"context"
	"errors"

	"metapulse/internal/circuit"
	"metapulse/internal/logging"
)

// GuardedSource stops hitting the screener after repeated failures
type GuardedSource struct {
	source  Source
	breaker *circuit.Breaker
}

// WithBreaker wraps a source with a circuit breaker
func WithBreaker(source Source, breaker *circuit.Breaker, logger *logging.Logger) *GuardedSource {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("market")
	breaker.OnTrip(func(reason string) {
		log.Warn("Market feed circuit opened", "reason", reason)
	})
	breaker.OnReset(func() {
		log.Info("Market feed circuit closed")
	})
	return &GuardedSource{source: source, breaker: breaker}
}

// FetchLatest calls the wrapped source unless the breaker is open.
// Cancelled calls do not count against the upstream.
func (g *GuardedSource) FetchLatest(ctx context.Context) (Snapshot, error) {
	if err := g.breaker.Allow(); err != nil {
		return Snapshot{}, err
	}

	snap, err := g.source.FetchLatest(ctx)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		g.breaker.ReleaseProbe()
	default:
		g.breaker.RecordFailure(err)
	}
	return snap, err
}

// Stats exposes the breaker state for status reporting
func (g *GuardedSource) Stats() map[string]interface{} {
	return g.breaker.Stats()
}
