package market

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metapulse/internal/logging"
)

func TestSafeNumber(t *testing.T) {
	assert.Equal(t, 1.5, SafeNumber("1.5"))
	assert.Equal(t, 42.0, SafeNumber(json.Number("42")))
	assert.Equal(t, 3.0, SafeNumber(3.0))
	assert.Zero(t, SafeNumber("abc"))
	assert.Zero(t, SafeNumber(nil))
	assert.Zero(t, SafeNumber(math.NaN()))
	assert.Zero(t, SafeNumber(math.Inf(1)))
	assert.Zero(t, SafeNumber(map[string]interface{}{}))
}

func TestNormalizeTokenAliases(t *testing.T) {
	raw := map[string]interface{}{
		"pairAddress": "0xabc",
		"baseToken":   map[string]interface{}{"name": "Pepe", "symbol": "PEPE"},
		"chainId":     "solana",
		"priceUsd":    "0.0012",
		"liquidity":   map[string]interface{}{"usd": json.Number("5000")},
		"volume":      map[string]interface{}{"h24": -10.0},
		"priceChange": map[string]interface{}{"h24": "-3.5"},
		"marketCap":   map[string]interface{}{"usd": "1000000"},
		"listedAt":    json.Number("1700000000000"),
		"link":        "https://dexscreener.com/solana/0xabc",
	}

	tok, ok := NormalizeToken(raw)
	require.True(t, ok)

	assert.Equal(t, "0xabc", tok.ID)
	assert.Equal(t, "Pepe", tok.Name)
	assert.Equal(t, "PEPE", tok.Symbol)
	assert.Equal(t, "solana", tok.Chain)
	assert.InDelta(t, 0.0012, tok.PriceUSD, 1e-12)
	assert.Equal(t, 5000.0, tok.LiquidityUSD)
	assert.Zero(t, tok.Volume24hUSD, "negative volume clamps to zero")
	assert.Equal(t, -3.5, tok.Change24h, "change keeps its sign")
	assert.Equal(t, 1000000.0, tok.MarketCapUSD)
	require.NotNil(t, tok.CreatedAt)
	assert.Equal(t, int64(1700000000000), tok.CreatedAt.UnixMilli())
	require.NotNil(t, tok.URL)
	assert.Equal(t, "https://dexscreener.com/solana/0xabc", *tok.URL)
}

func TestNormalizeTokenDefaults(t *testing.T) {
	tok, ok := NormalizeToken(map[string]interface{}{"tokenAddress": "T1", "createdAt": "not a date"})
	require.True(t, ok)

	assert.Equal(t, "Unknown", tok.Name)
	assert.Equal(t, "—", tok.Symbol)
	assert.Equal(t, "unknown", tok.Chain)
	assert.Nil(t, tok.CreatedAt)
	assert.Nil(t, tok.URL)
}

func TestNormalizeTokensDropsMissingAndDuplicateIDs(t *testing.T) {
	tokens := NormalizeTokens([]map[string]interface{}{
		{"id": "a", "name": "first"},
		{"name": "no id"},
		{"id": "a", "name": "second"},
		{"id": "b"},
	})

	require.Len(t, tokens, 2)
	assert.Equal(t, "first", tokens[0].Name)
	assert.Equal(t, "b", tokens[1].ID)
}

func TestBuildHighlights(t *testing.T) {
	tokens := []Token{
		{ID: "A", Change24h: 10, Volume24hUSD: 100},
		{ID: "B", Change24h: 5, Volume24hUSD: 500},
		{ID: "C", Change24h: -2, Volume24hUSD: 50},
	}

	h := BuildHighlights(tokens)

	assert.Equal(t, []string{"A", "B", "C"}, ids(h.Movers))
	assert.Equal(t, []string{"B", "A", "C"}, ids(h.VolumeLeaders))
	assert.Equal(t, []string{"B", "A"}, ids(h.SteadyGainers))
}

func TestBuildHighlightsCapsAndKeepsTies(t *testing.T) {
	var tokens []Token
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"} {
		tokens = append(tokens, Token{ID: id, Change24h: 1, Volume24hUSD: 1})
	}

	h := BuildHighlights(tokens)

	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, ids(h.Movers))
	assert.Len(t, h.VolumeLeaders, HighlightSize)
	assert.Len(t, h.SteadyGainers, HighlightSize)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	u := "https://example.com"
	snap := NewSnapshot([]Token{{ID: "x", URL: &u}}, time.Unix(0, 0))

	clone := snap.Clone()
	*clone.Tokens[0].URL = "changed"
	clone.Tokens[0].ID = "y"

	assert.Equal(t, "x", snap.Tokens[0].ID)
	assert.Equal(t, "https://example.com", *snap.Tokens[0].URL)
}

func TestSnapshotFocus(t *testing.T) {
	snap := NewSnapshot([]Token{{ID: "1"}, {ID: "2"}, {ID: "3"}}, time.Now())

	assert.Equal(t, []string{"1", "2"}, ids(snap.Focus(2)))
	assert.Len(t, snap.Focus(8), 3)
}

func TestClientFetchLatestPayloadShapes(t *testing.T) {
	bodies := map[string]string{
		"array":    `[{"tokenAddress":"a","priceUsd":"1.0"},{"tokenAddress":"b"}]`,
		"data":     `{"data":[{"tokenAddress":"a","priceUsd":"1.0"},{"tokenAddress":"b"}]}`,
		"profiles": `{"profiles":[{"tokenAddress":"a","priceUsd":"1.0"},{"tokenAddress":"b"}]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, time.Second, logging.Nop())
			snap, err := client.FetchLatest(context.Background())
			require.NoError(t, err)

			assert.Equal(t, []string{"a", "b"}, ids(snap.Tokens))
			assert.Equal(t, 1.0, snap.Tokens[0].PriceUSD)
			assert.NotNil(t, snap.SourceTimestamp)
		})
	}
}

func TestClientFetchLatestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"unexpected":true}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL+"/down", time.Second, logging.Nop()).FetchLatest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = NewClient(srv.URL+"/odd", time.Second, logging.Nop()).FetchLatest(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func ids(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.ID
	}
	return out
}
