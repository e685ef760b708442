// Package ai turns a market token list into a structured Signal through the
// configured LLM, guarded by the shared rate-limited gateway.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"metapulse/internal/ai/llm"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/ratelimit"
	"metapulse/internal/store"
)

// FocusSize is how many tokens are put in front of the model
const FocusSize = 8

const (
	degradedInsight   = "Insight engine returned plain-text summary; manual follow-up recommended."
	degradedRisk      = "Unable to parse structured response; treat with caution."
	degradedNextStep  = "Retry analysis later"
	degradedConfident = 0.4
	degradedInsights  = 3
)

// ErrTokensRequired is returned when there is nothing to analyse
var ErrTokensRequired = errors.New("tokens required")

// Completer is the part of the LLM client the engine needs
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Engine generates signals
type Engine struct {
	llm     Completer
	gateway *ratelimit.Gateway
	logger  *logging.Logger
	now     func() time.Time
}

// NewEngine creates an insight engine. The gateway must have ResourceAI registered.
func NewEngine(completer Completer, gateway *ratelimit.Gateway, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		llm:     completer,
		gateway: gateway,
		logger:  logger.WithComponent("ai"),
		now:     time.Now,
	}
}

// Generate asks the model about tokens and returns an unsaved signal.
// Errors are ratelimit.ErrRateLimited or a *ratelimit.OperationError;
// in the latter case the quota point has been refunded.
func (e *Engine) Generate(ctx context.Context, tokens []market.Token, requestID string) (store.Signal, error) {
	if len(tokens) == 0 {
		return store.Signal{}, ErrTokensRequired
	}
	if len(tokens) > FocusSize {
		tokens = tokens[:FocusSize]
	}

	res, err := ratelimit.Call(ctx, e.gateway, ratelimit.ResourceAI, func(ctx context.Context) (store.Signal, error) {
		text, err := e.llm.Complete(ctx, llm.SystemPromptInsight, FormatPrompt(tokens))
		if err != nil {
			return store.Signal{}, err
		}
		return ParseResponse(text, tokens), nil
	})
	if err != nil {
		return store.Signal{}, err
	}

	signal := res.Value
	signal.Meta = store.Meta{
		GeneratedAt:    e.now().UTC(),
		RequestID:      requestID,
		RemainingQuota: res.Remaining,
	}

	e.logger.Info("Insight generated",
		"request_id", requestID,
		"insights", len(signal.Insights),
		"remaining_quota", res.Remaining,
	)
	return signal, nil
}

// FormatPrompt builds the user prompt table for up to FocusSize tokens
func FormatPrompt(tokens []market.Token) string {
	if len(tokens) > FocusSize {
		tokens = tokens[:FocusSize]
	}
	rows := make([]string, 0, len(tokens))
	for i, t := range tokens {
		rows = append(rows, fmt.Sprintf("#%d %s (%s) | Price $%s | 24h Δ %s%% | Vol24h $%s",
			i+1, t.Symbol, t.Name,
			market.FormatPrice(t.PriceUSD, 4),
			market.FormatPrice(t.Change24h, 2),
			market.FormatVolume(t.Volume24hUSD),
		))
	}
	return fmt.Sprintf(llm.UserPromptInsight, strings.Join(rows, "\n"))
}

// ParseResponse decodes the model output. Anything that is not a JSON
// object becomes a degraded signal carrying the raw text as its summary.
func ParseResponse(text string, tokens []market.Token) store.Signal {
	text = strings.TrimSpace(text)

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(llm.StripCodeFence(text)), &raw); err != nil || raw == nil {
		return degraded(text, tokens)
	}

	signal := store.Signal{
		Summary:   stringField(raw["summary"]),
		Risk:      stringField(raw["risk"]),
		Insights:  []store.Insight{},
		NextSteps: []string{},
	}

	if list, ok := raw["insights"].([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			signal.Insights = append(signal.Insights, store.Insight{
				Symbol:     stringField(m["symbol"]),
				Insight:    stringField(m["insight"]),
				Confidence: clamp01(market.SafeNumber(m["confidence"])),
			})
		}
	}

	if steps, ok := raw["nextSteps"].([]interface{}); ok {
		for _, step := range steps {
			if s := stringField(step); s != "" {
				signal.NextSteps = append(signal.NextSteps, s)
			}
		}
	}

	return signal
}

func degraded(text string, tokens []market.Token) store.Signal {
	n := len(tokens)
	if n > degradedInsights {
		n = degradedInsights
	}
	insights := make([]store.Insight, 0, n)
	for _, t := range tokens[:n] {
		insights = append(insights, store.Insight{
			Symbol:     t.Symbol,
			Insight:    degradedInsight,
			Confidence: degradedConfident,
		})
	}
	return store.Signal{
		Summary:   text,
		Insights:  insights,
		Risk:      degradedRisk,
		NextSteps: []string{degradedNextStep},
	}
}

func stringField(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
