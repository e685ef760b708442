package store

import "time"

// Trigger tags recorded in Signal.Source
const (
	SourceCron      = "cron"
	SourceBootstrap = "bootstrap"
	SourceManual    = "manual"
)

// Insight is one per-token observation inside a signal
type Insight struct {
	Symbol     string  `json:"symbol"`
	Insight    string  `json:"insight"`
	Confidence float64 `json:"confidence"`
}

// Meta carries provenance for a generated signal
type Meta struct {
	GeneratedAt    time.Time `json:"generatedAt"`
	RequestID      string    `json:"requestId"`
	RemainingQuota int       `json:"remainingQuota"`
}

// Signal is one AI-derived market summary. Signals are never mutated once
// appended to the store.
type Signal struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Source    string    `json:"source"`
	Summary   string    `json:"summary"`
	Insights  []Insight `json:"insights"`
	Risk      string    `json:"risk"`
	NextSteps []string  `json:"nextSteps"`
	Meta      Meta      `json:"meta"`
}

// Clone returns a deep copy of the signal
func (s Signal) Clone() Signal {
	out := s
	out.Insights = append([]Insight{}, s.Insights...)
	out.NextSteps = append([]string{}, s.NextSteps...)
	return out
}

func cloneSignals(signals []Signal) []Signal {
	out := make([]Signal, len(signals))
	for i, s := range signals {
		out[i] = s.Clone()
	}
	return out
}
