package market

import (
	"sort"
	"time"
)

// HighlightSize caps every derived highlight list
const HighlightSize = 5

// Highlights are the derived sub-lists shown on the console and by the bot
type Highlights struct {
	Movers        []Token `json:"movers"`
	VolumeLeaders []Token `json:"volumeLeaders"`
	SteadyGainers []Token `json:"steadyGainers"`
}

// Snapshot is one wholesale view of the upstream market
type Snapshot struct {
	Tokens          []Token    `json:"tokens"`
	Highlights      Highlights `json:"highlights"`
	SourceTimestamp *time.Time `json:"sourceTimestamp"`
	FetchedAt       *time.Time `json:"fetchedAt"`
}

// NewSnapshot builds a snapshot and its highlights from normalized tokens
func NewSnapshot(tokens []Token, sourceTimestamp time.Time) Snapshot {
	ts := sourceTimestamp.UTC()
	snap := Snapshot{
		Tokens:          cloneTokens(tokens),
		Highlights:      BuildHighlights(tokens),
		SourceTimestamp: &ts,
	}
	return snap
}

// Focus returns the first n tokens in source order
func (s Snapshot) Focus(n int) []Token {
	if n <= 0 || n > len(s.Tokens) {
		n = len(s.Tokens)
	}
	return cloneTokens(s.Tokens[:n])
}

// IsEmpty reports whether the snapshot carries no tokens
func (s Snapshot) IsEmpty() bool {
	return len(s.Tokens) == 0
}

// Clone returns a deep copy so callers can never alias store state
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Tokens: cloneTokens(s.Tokens),
		Highlights: Highlights{
			Movers:        cloneTokens(s.Highlights.Movers),
			VolumeLeaders: cloneTokens(s.Highlights.VolumeLeaders),
			SteadyGainers: cloneTokens(s.Highlights.SteadyGainers),
		},
	}
	if s.SourceTimestamp != nil {
		ts := *s.SourceTimestamp
		out.SourceTimestamp = &ts
	}
	if s.FetchedAt != nil {
		ts := *s.FetchedAt
		out.FetchedAt = &ts
	}
	return out
}

// BuildHighlights derives movers, volume leaders and steady gainers.
// Steady gainers are non-negative change with positive volume, sorted by
// change ascending, which surfaces the smallest gains first.
func BuildHighlights(tokens []Token) Highlights {
	movers := cloneTokens(tokens)
	sort.SliceStable(movers, func(i, j int) bool {
		return movers[i].Change24h > movers[j].Change24h
	})

	leaders := cloneTokens(tokens)
	sort.SliceStable(leaders, func(i, j int) bool {
		return leaders[i].Volume24hUSD > leaders[j].Volume24hUSD
	})

	steady := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Change24h >= 0 && t.Volume24hUSD > 0 {
			steady = append(steady, t.Clone())
		}
	}
	sort.SliceStable(steady, func(i, j int) bool {
		return steady[i].Change24h < steady[j].Change24h
	})

	return Highlights{
		Movers:        capTokens(movers),
		VolumeLeaders: capTokens(leaders),
		SteadyGainers: capTokens(steady),
	}
}

func capTokens(tokens []Token) []Token {
	if len(tokens) > HighlightSize {
		return tokens[:HighlightSize]
	}
	return tokens
}

func cloneTokens(tokens []Token) []Token {
	if tokens == nil {
		return []Token{}
	}
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		out[i] = t.Clone()
	}
	return out
}
