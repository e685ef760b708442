// Package store keeps the bounded signal history and the current market
// snapshot, and announces every change on the event bus.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
)

// DefaultLimit is the number of signals kept when none is configured
const DefaultLimit = 20

var (
	// SignalUpdate carries the full signal list, newest first, after each append
	SignalUpdate = events.NewTopic[[]Signal]("signal:update")
	// MarketUpdate carries the snapshot after each replacement
	MarketUpdate = events.NewTopic[market.Snapshot]("market:update")
)

// SignalStore is the process-wide owner of signals and the market snapshot
type SignalStore struct {
	mu       sync.RWMutex
	signals  []Signal
	snapshot market.Snapshot
	limit    int

	// emitMu keeps subscriber deliveries in mutation order
	emitMu sync.Mutex

	bus    *events.Bus
	logger *logging.Logger
	now    func() time.Time
}

// New creates a store bounded to limit signals
func New(bus *events.Bus, limit int, logger *logging.Logger) *SignalStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SignalStore{
		signals:  make([]Signal, 0, limit),
		snapshot: market.Snapshot{Tokens: []market.Token{}},
		limit:    limit,
		bus:      bus,
		logger:   logger.WithComponent("store"),
		now:      time.Now,
	}
}

// Limit returns the history bound
func (s *SignalStore) Limit() int {
	return s.limit
}

// Append stores a signal at the head of the history, evicting the oldest
// beyond the bound, and emits signal:update. Missing ID and CreatedAt are
// filled in. The stored copy is returned.
func (s *SignalStore) Append(signal Signal) Signal {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	stored := signal.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	s.signals = append([]Signal{stored}, s.signals...)
	if len(s.signals) > s.limit {
		s.signals = s.signals[:s.limit]
	}
	payload := cloneSignals(s.signals)
	s.mu.Unlock()

	s.logger.Info("Signal stored", "signal_id", stored.ID, "source", stored.Source, "history", len(payload))

	if s.bus != nil {
		events.Publish(s.bus, SignalUpdate, payload)
	}
	return stored.Clone()
}

// List returns a copy of the history, newest first
func (s *SignalStore) List() []Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSignals(s.signals)
}

// Latest returns the newest signal, if any
func (s *SignalStore) Latest() (Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.signals) == 0 {
		return Signal{}, false
	}
	return s.signals[0].Clone(), true
}

// SetSnapshot replaces the market snapshot wholesale, stamps FetchedAt and
// emits market:update. The stored copy is returned.
func (s *SignalStore) SetSnapshot(snapshot market.Snapshot) market.Snapshot {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	stored := snapshot.Clone()
	fetchedAt := s.now().UTC()
	stored.FetchedAt = &fetchedAt

	s.mu.Lock()
	s.snapshot = stored
	payload := stored.Clone()
	s.mu.Unlock()

	s.logger.Debug("Market snapshot replaced", "tokens", len(payload.Tokens))

	if s.bus != nil {
		events.Publish(s.bus, MarketUpdate, payload)
	}
	return stored.Clone()
}

// Snapshot returns a copy of the current market snapshot
func (s *SignalStore) Snapshot() market.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}
