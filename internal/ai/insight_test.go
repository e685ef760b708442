package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/ai/llm"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/ratelimit"
)

type fakeCompleter struct {
	text   string
	err    error
	calls  int
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.prompt = user
	return f.text, f.err
}

func sampleTokens(n int) []market.Token {
	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG", "HHH", "III", "JJJ"}
	tokens := make([]market.Token, n)
	for i := range tokens {
		tokens[i] = market.Token{ID: symbols[i], Symbol: symbols[i], Name: symbols[i] + " coin", PriceUSD: 1.5, Change24h: 2, Volume24hUSD: 12345}
	}
	return tokens
}

func newGateway(points int) *ratelimit.Gateway {
	return ratelimit.NewGateway(map[string]ratelimit.Quota{
		ratelimit.ResourceAI: {Points: points, Window: 24 * time.Hour},
	})
}

func TestGenerateStructuredResponse(t *testing.T) {
	completer := &fakeCompleter{text: "```json\n" + `{"summary":"Risk-on.","insights":[{"symbol":"AAA","insight":"Breakout","confidence":1.7},{"symbol":"BBB","insight":"Fading","confidence":"0.3"}],"risk":"Thin books.","nextSteps":["Watch AAA",""]}` + "\n```"}
	engine := NewEngine(completer, newGateway(3), logging.Nop())

	signal, err := engine.Generate(context.Background(), sampleTokens(10), "req-1")
	require.NoError(t, err)

	assert.Equal(t, "Risk-on.", signal.Summary)
	assert.Equal(t, "Thin books.", signal.Risk)
	require.Len(t, signal.Insights, 2)
	assert.Equal(t, 1.0, signal.Insights[0].Confidence, "confidence is clamped")
	assert.Equal(t, 0.3, signal.Insights[1].Confidence)
	assert.Equal(t, []string{"Watch AAA"}, signal.NextSteps)
	assert.Equal(t, "req-1", signal.Meta.RequestID)
	assert.Equal(t, 2, signal.Meta.RemainingQuota)
	assert.False(t, signal.Meta.GeneratedAt.IsZero())

	assert.Contains(t, completer.prompt, "#8 HHH (HHH coin) | Price $1.5000 | 24h Δ 2.00% | Vol24h $12,345")
	assert.NotContains(t, completer.prompt, "#9")
}

func TestGenerateDegradedResponse(t *testing.T) {
	completer := &fakeCompleter{text: "Market is flat today"}
	engine := NewEngine(completer, newGateway(3), logging.Nop())

	signal, err := engine.Generate(context.Background(), sampleTokens(5), "")
	require.NoError(t, err)

	assert.Equal(t, "Market is flat today", signal.Summary)
	require.Len(t, signal.Insights, 3)
	for _, in := range signal.Insights {
		assert.Equal(t, 0.4, in.Confidence)
		assert.Equal(t, degradedInsight, in.Insight)
	}
	assert.Equal(t, "AAA", signal.Insights[0].Symbol)
	assert.Equal(t, "Unable to parse structured response; treat with caution.", signal.Risk)
	assert.Equal(t, []string{"Retry analysis later"}, signal.NextSteps)
}

func TestGenerateFailureRefundsQuota(t *testing.T) {
	gw := newGateway(1)
	completer := &fakeCompleter{err: llm.ErrEmptyCompletion}
	engine := NewEngine(completer, gw, logging.Nop())

	_, err := engine.Generate(context.Background(), sampleTokens(2), "")
	var opErr *ratelimit.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, llm.ErrEmptyCompletion)

	left, _ := gw.Remaining(ratelimit.ResourceAI)
	assert.Equal(t, 1, left)
}

func TestGenerateRateLimited(t *testing.T) {
	completer := &fakeCompleter{text: `{"summary":"x"}`}
	engine := NewEngine(completer, newGateway(1), logging.Nop())

	_, err := engine.Generate(context.Background(), sampleTokens(1), "")
	require.NoError(t, err)

	_, err = engine.Generate(context.Background(), sampleTokens(1), "")
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))
	assert.Equal(t, 1, completer.calls)
}

func TestGenerateRequiresTokens(t *testing.T) {
	completer := &fakeCompleter{}
	engine := NewEngine(completer, newGateway(1), logging.Nop())

	_, err := engine.Generate(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrTokensRequired)
	assert.Zero(t, completer.calls)
}

func TestParseResponseNonObjectIsDegraded(t *testing.T) {
	signal := ParseResponse(`["not", "an", "object"]`, sampleTokens(1))
	assert.Equal(t, degradedRisk, signal.Risk)
	assert.Len(t, signal.Insights, 1)
}
