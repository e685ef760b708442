package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/metrics"
	"metapulse/internal/store"
)

// DefaultTimeout bounds a single channel delivery
const DefaultTimeout = 20 * time.Second

// Notifier is one fanout channel for new signals
type Notifier interface {
	Send(ctx context.Context, signal store.Signal) error
	Name() string
	IsEnabled() bool
}

// Manager delivers every new signal to all enabled notifiers. Each channel
// runs in its own goroutine under its own timeout; a slow or failing
// channel never delays the others.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics

	baseCtx context.Context
	sub     *events.Subscription
	stopped bool
	wg      sync.WaitGroup
}

// NewManager creates a new notification manager
func NewManager(timeout time.Duration, logger *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		notifiers: make([]Notifier, 0),
		timeout:   timeout,
		logger:    logger.WithComponent("fanout"),
		baseCtx:   context.Background(),
	}
}

// AddNotifier adds a notification channel
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// SetMetrics records delivery results in m
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mt
}

// Channels returns the names of the enabled channels
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			names = append(names, n.Name())
		}
	}
	return names
}

// Start subscribes to signal:update and dispatches the newest signal of
// each update. ctx is the parent of every delivery context.
func (m *Manager) Start(ctx context.Context, bus *events.Bus) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.sub = events.Subscribe(bus, store.SignalUpdate, func(e events.Event[[]store.Signal]) {
		if len(e.Payload) == 0 {
			return
		}
		m.Dispatch(e.Payload[0])
	})
	m.logger.Info("Fanout started", "channels", strings.Join(m.Channels(), ","))
}

// Stop unsubscribes and waits for in-flight deliveries. Signals dispatched
// after Stop are dropped.
func (m *Manager) Stop() {
	m.sub.Unsubscribe()

	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.wg.Wait()
}

// Dispatch starts one delivery per enabled channel and returns immediately
func (m *Manager) Dispatch(signal store.Signal) {
	// wg.Add happens under the read lock so it never races Stop's Wait
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		m.logger.Debug("Fanout stopped, signal dropped", "signal_id", signal.ID)
		return
	}

	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		m.wg.Add(1)
		go m.deliver(m.baseCtx, n, signal.Clone(), m.metrics)
	}
}

// Wait blocks until every started delivery has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) deliver(parent context.Context, n Notifier, signal store.Signal, mt *metrics.Metrics) {
	defer m.wg.Done()

	log := logging.ChannelContext(m.logger, n.Name(), signal.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Channel panicked", "panic", fmt.Sprint(r))
			mt.ObserveDelivery(n.Name(), "panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	start := time.Now()
	if err := n.Send(ctx, signal); err != nil {
		log.WithError(err).Warn("Channel delivery failed")
		mt.ObserveDelivery(n.Name(), "failed")
		return
	}
	log.WithDuration(time.Since(start)).Debug("Channel delivered")
	mt.ObserveDelivery(n.Name(), "delivered")
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookConfig holds Discord-compatible webhook configuration
type WebhookConfig struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// WebhookNotifier posts signals as embeds to a Discord-compatible webhook
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     config.URL,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(ctx context.Context, signal store.Signal) error {
	if !w.enabled {
		return nil
	}

	color := 0x00FF00
	if len(signal.Insights) == 0 {
		color = 0xFFA500
	}

	fields := make([]map[string]interface{}, 0, len(signal.Insights))
	for _, in := range signal.Insights {
		fields = append(fields, map[string]interface{}{
			"name":   in.Symbol,
			"value":  fmt.Sprintf("%s (confidence %.0f%%)", in.Insight, in.Confidence*100),
			"inline": false,
		})
	}

	embed := map[string]interface{}{
		"title":       "MetaPulse Signal Update",
		"description": signal.Summary,
		"color":       color,
		"timestamp":   signal.CreatedAt.Format(time.RFC3339),
		"fields":      fields,
	}
	if signal.Risk != "" {
		embed["footer"] = map[string]interface{}{"text": "Risk: " + signal.Risk}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
