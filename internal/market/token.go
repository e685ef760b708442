// Package market holds the normalized market data model: tokens as reported
// by the upstream screener, the highlight lists derived from them, and the
// snapshot that is published to the rest of the service.
package market

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Token is a normalized upstream market entry. ID is the dedup key.
type Token struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Symbol       string     `json:"symbol"`
	Chain        string     `json:"chain"`
	PriceUSD     float64    `json:"priceUsd"`
	LiquidityUSD float64    `json:"liquidityUsd"`
	Volume24hUSD float64    `json:"volume24hUsd"`
	Change24h    float64    `json:"change24h"`
	MarketCapUSD float64    `json:"marketCap"`
	Score        float64    `json:"score"`
	CreatedAt    *time.Time `json:"createdAt"`
	URL          *string    `json:"url"`
}

// Clone returns a deep copy of the token
func (t Token) Clone() Token {
	out := t
	if t.CreatedAt != nil {
		ts := *t.CreatedAt
		out.CreatedAt = &ts
	}
	if t.URL != nil {
		u := *t.URL
		out.URL = &u
	}
	return out
}

// Field aliases seen across screener payload versions
var (
	idFields        = []string{"id", "address", "pairAddress", "pairId", "tokenAddress"}
	nameFields      = []string{"name", "token.name", "baseToken.name"}
	symbolFields    = []string{"symbol", "token.symbol", "baseToken.symbol"}
	chainFields     = []string{"chainId", "chain", "chainType"}
	priceFields     = []string{"priceUsd", "price.usd"}
	liquidityFields = []string{"liquidity.usd", "liquidityUsd"}
	volumeFields    = []string{"volume.h24", "volume24hUsd"}
	changeFields    = []string{"priceChange.h24", "change24h"}
	marketCapFields = []string{"marketCap.usd", "marketCapUsd", "marketCap"}
	scoreFields     = []string{"metaScore", "score"}
	createdFields   = []string{"createdAt", "listedAt", "pairCreatedAt"}
	urlFields       = []string{"url", "link"}
)

// NormalizeToken converts one raw upstream record into a Token. The second
// return value is false when the record carries no identifier and must be
// dropped.
func NormalizeToken(raw map[string]interface{}) (Token, bool) {
	id := stringValue(firstPresent(raw, idFields...))
	if id == "" {
		return Token{}, false
	}

	t := Token{
		ID:           id,
		Name:         stringOr(firstPresent(raw, nameFields...), "Unknown"),
		Symbol:       stringOr(firstPresent(raw, symbolFields...), "—"),
		Chain:        stringOr(firstPresent(raw, chainFields...), "unknown"),
		PriceUSD:     nonNegative(SafeNumber(firstPresent(raw, priceFields...))),
		LiquidityUSD: nonNegative(SafeNumber(firstPresent(raw, liquidityFields...))),
		Volume24hUSD: nonNegative(SafeNumber(firstPresent(raw, volumeFields...))),
		Change24h:    SafeNumber(firstPresent(raw, changeFields...)),
		MarketCapUSD: nonNegative(SafeNumber(firstPresent(raw, marketCapFields...))),
		Score:        SafeNumber(firstPresent(raw, scoreFields...)),
		CreatedAt:    timeValue(firstPresent(raw, createdFields...)),
	}
	if u := stringValue(firstPresent(raw, urlFields...)); u != "" {
		t.URL = &u
	}
	return t, true
}

// NormalizeTokens normalizes a batch, dropping records without an ID and
// duplicate IDs (first occurrence wins). Source order is preserved.
func NormalizeTokens(raw []map[string]interface{}) []Token {
	tokens := make([]Token, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		t, ok := NormalizeToken(r)
		if !ok {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		tokens = append(tokens, t)
	}
	return tokens
}

// SafeNumber coerces an arbitrary JSON value to a finite float. Anything that
// is not a number or numeric string yields 0.
func SafeNumber(v interface{}) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// firstPresent returns the first value along the dotted paths that is set
// and not an empty/zero/false value.
func firstPresent(raw map[string]interface{}, paths ...string) interface{} {
	for _, p := range paths {
		v := lookup(raw, p)
		if present(v) {
			return v
		}
	}
	return nil
}

func lookup(raw map[string]interface{}, path string) interface{} {
	var cur interface{} = raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func present(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

func stringValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func stringOr(v interface{}, fallback string) string {
	if s := stringValue(v); s != "" {
		return s
	}
	return fallback
}

// timeValue accepts epoch milliseconds or an RFC3339 string
func timeValue(v interface{}) *time.Time {
	var ts time.Time
	switch x := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, x)
		if err != nil {
			ms, numErr := strconv.ParseInt(x, 10, 64)
			if numErr != nil {
				return nil
			}
			parsed = time.UnixMilli(ms)
		}
		ts = parsed
	case json.Number, float64:
		ms := SafeNumber(x)
		if ms <= 0 {
			return nil
		}
		ts = time.UnixMilli(int64(ms))
	default:
		return nil
	}
	ts = ts.UTC()
	return &ts
}
