// Package scheduler drives the generation pipeline: periodic market
// refreshes and insight cycles that end in a stored, fanned-out signal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"metapulse/internal/ai"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/metrics"
	"metapulse/internal/ratelimit"
	"metapulse/internal/store"
)

// Stage is the orchestrator state
type Stage string

const (
	StageIdle       Stage = "idle"
	StageRefreshing Stage = "refreshing-market"
	StageGenerating Stage = "generating-insight"
	StagePersisting Stage = "persisting"
	StageFanningOut Stage = "fanning-out"
)

// Cycle outcomes
const (
	OutcomeCompleted   = "completed"
	OutcomeNoTokens    = "no-tokens"
	OutcomeRateLimited = "rate-limited"
	OutcomeFailed      = "failed"
)

// Generator produces an unsaved signal from focus tokens
type Generator interface {
	Generate(ctx context.Context, tokens []market.Token, requestID string) (store.Signal, error)
}

// Config holds scheduler configuration
type Config struct {
	InsightSchedule string        `json:"insight_schedule"`
	MarketSchedule  string        `json:"market_schedule"`
	Bootstrap       bool          `json:"bootstrap"`
	StageTimeout    time.Duration `json:"stage_timeout"`
	FocusSize       int           `json:"focus_size"`
	Location        string        `json:"location"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		InsightSchedule: "0 0,8,16 * * *",
		MarketSchedule:  "*/30 * * * *",
		Bootstrap:       true,
		StageTimeout:    20 * time.Second,
		FocusSize:       ai.FocusSize,
	}
}

// CycleResult describes one insight cycle. Stage is the last stage entered.
type CycleResult struct {
	Trigger    string    `json:"trigger"`
	RequestID  string    `json:"requestId"`
	Stage      Stage     `json:"stage"`
	Outcome    string    `json:"outcome"`
	SignalID   string    `json:"signalId,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Orchestrator owns the triggers and runs cycles one at a time
type Orchestrator struct {
	source    market.Source
	generator Generator
	store     *store.SignalStore
	config    *Config
	logger    *logging.Logger
	now       func() time.Time

	cycleMu sync.Mutex

	mu        sync.Mutex
	stage     Stage
	lastCycle *CycleResult
	metrics   *metrics.Metrics
	running   bool
	cron      *cron.Cron
	wg        sync.WaitGroup
}

// New creates an orchestrator
func New(source market.Source, generator Generator, st *store.SignalStore, config *Config, logger *logging.Logger) *Orchestrator {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.InsightSchedule == "" {
		config.InsightSchedule = defaults.InsightSchedule
	}
	if config.MarketSchedule == "" {
		config.MarketSchedule = defaults.MarketSchedule
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = defaults.StageTimeout
	}
	if config.FocusSize <= 0 {
		config.FocusSize = defaults.FocusSize
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Orchestrator{
		source:    source,
		generator: generator,
		store:     st,
		config:    config,
		logger:    logger.WithComponent("scheduler"),
		now:       time.Now,
		stage:     StageIdle,
	}
}

// SetMetrics records cycle outcomes and market refreshes in m
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = m
}

func (o *Orchestrator) recorder() *metrics.Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// Start registers the cron triggers and, when configured, runs one
// bootstrap cycle in the background
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}

	loc := time.Local
	if o.config.Location != "" {
		l, err := time.LoadLocation(o.config.Location)
		if err != nil {
			o.mu.Unlock()
			return fmt.Errorf("invalid scheduler location: %w", err)
		}
		loc = l
	}

	cl := cronLogger{o.logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(o.config.InsightSchedule, func() {
		o.RunInsightCycle(ctx, store.SourceCron)
	}); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("invalid insight schedule %q: %w", o.config.InsightSchedule, err)
	}

	if _, err := c.AddFunc(o.config.MarketSchedule, func() {
		if _, err := o.RefreshMarket(ctx); err != nil {
			o.logger.WithError(err).Warn("Market refresh failed")
		}
	}); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("invalid market schedule %q: %w", o.config.MarketSchedule, err)
	}

	o.cron = c
	o.running = true
	o.mu.Unlock()

	c.Start()
	o.logger.Info("Scheduler started",
		"insight_schedule", o.config.InsightSchedule,
		"market_schedule", o.config.MarketSchedule,
	)

	if o.config.Bootstrap {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.RunInsightCycle(ctx, store.SourceBootstrap)
		}()
	}
	return nil
}

// Stop halts the triggers and waits for running jobs
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	c := o.cron
	o.mu.Unlock()

	<-c.Stop().Done()
	o.wg.Wait()
	o.logger.Info("Scheduler stopped")
}

// Stage returns the current orchestrator state
func (o *Orchestrator) Stage() Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// LastCycle returns the outcome of the most recent insight cycle
func (o *Orchestrator) LastCycle() (CycleResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastCycle == nil {
		return CycleResult{}, false
	}
	return *o.lastCycle, true
}

func (o *Orchestrator) setStage(s Stage) {
	o.mu.Lock()
	o.stage = s
	o.mu.Unlock()
}

// RefreshMarket fetches the market and replaces the stored snapshot
func (o *Orchestrator) RefreshMarket(ctx context.Context) (market.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	snap, err := o.source.FetchLatest(fetchCtx)
	o.recorder().ObserveRefresh(err)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("market refresh: %w", err)
	}
	return o.store.SetSnapshot(snap), nil
}

// RunInsightCycle refreshes the market, generates a signal from the focus
// tokens and stores it, which fans it out. Failures end the cycle at the
// stage they occur in; nothing propagates to the caller.
func (o *Orchestrator) RunInsightCycle(ctx context.Context, trigger string) (result CycleResult) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	started := o.now()
	result = CycleResult{
		Trigger:   trigger,
		RequestID: fmt.Sprintf("%s-%d", trigger, started.UnixMilli()),
		StartedAt: started.UTC(),
	}
	log := logging.CycleContext(o.logger, trigger, result.RequestID)

	enter := func(s Stage) {
		result.Stage = s
		o.setStage(s)
	}
	fail := func(outcome string, err error) {
		result.Outcome = outcome
		result.Error = err.Error()
	}

	defer func() {
		if r := recover(); r != nil {
			fail(OutcomeFailed, fmt.Errorf("panic: %v", r))
			log.Error("Insight cycle panicked", "stage", string(result.Stage), "panic", fmt.Sprint(r))
		}
		result.FinishedAt = o.now().UTC()
		o.mu.Lock()
		o.stage = StageIdle
		last := result
		o.lastCycle = &last
		m := o.metrics
		o.mu.Unlock()
		m.ObserveCycle(trigger, result.Outcome, result.FinishedAt.Sub(result.StartedAt))
	}()

	enter(StageRefreshing)
	snap, err := o.RefreshMarket(ctx)
	if err != nil {
		fail(OutcomeFailed, err)
		log.WithError(err).Warn("Insight cycle aborted", "stage", string(StageRefreshing))
		return result
	}

	focus := snap.Focus(o.config.FocusSize)
	if len(focus) == 0 {
		result.Outcome = OutcomeNoTokens
		log.Debug("No tokens in market snapshot, skipping cycle")
		return result
	}

	enter(StageGenerating)
	genCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	signal, err := o.generator.Generate(genCtx, focus, result.RequestID)
	cancel()
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			fail(OutcomeRateLimited, err)
			log.Warn("Insight quota exhausted, skipping cycle")
		} else {
			fail(OutcomeFailed, err)
			log.WithError(err).Warn("Insight generation failed", "stage", string(StageGenerating))
		}
		return result
	}

	enter(StagePersisting)
	signal.Source = trigger
	stored := o.store.Append(signal)
	result.SignalID = stored.ID

	enter(StageFanningOut)
	result.Outcome = OutcomeCompleted
	log.Info("Insight cycle completed", "signal_id", stored.ID, "remaining_quota", stored.Meta.RemainingQuota)
	return result
}

// cronLogger routes cron's internal logging through ours
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Error(msg, keysAndValues...)
}
