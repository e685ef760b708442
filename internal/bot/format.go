package bot

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"metapulse/internal/market"
	"metapulse/internal/store"
)

// escape makes arbitrary text safe for MarkdownV2
func escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text)
}

// FormatSignal renders a signal as a MarkdownV2 message
func FormatSignal(signal *store.Signal) string {
	if signal == nil {
		return escape("No insights available yet.")
	}

	when := signal.Meta.GeneratedAt
	if when.IsZero() {
		when = signal.CreatedAt
	}
	if when.IsZero() {
		when = time.Now()
	}

	lines := []string{
		"*MetaPulse Signal Update* — " + escape(when.UTC().Format("2006-01-02 15:04 UTC")),
		"*Summary*: " + escape(orDefault(signal.Summary, "N/A")),
	}

	if len(signal.Insights) == 0 {
		lines = append(lines, escape("Insights pending."))
	}
	for _, in := range signal.Insights {
		lines = append(lines, fmt.Sprintf("• *%s*: %s",
			escape(in.Symbol),
			escape(fmt.Sprintf("%s (confidence %.0f%%)", in.Insight, in.Confidence*100)),
		))
	}

	lines = append(lines,
		"*Risk*: "+escape(orDefault(signal.Risk, "N/A")),
		"Next steps: "+escape(orDefault(strings.Join(signal.NextSteps, " • "), "Follow up later")),
	)
	return strings.Join(lines, "\n")
}

// FormatVolumeLeaders renders the volume leader list as MarkdownV2
func FormatVolumeLeaders(tokens []market.Token) string {
	if len(tokens) == 0 {
		return escape("No data available.")
	}
	lines := make([]string, 0, len(tokens))
	for i, t := range tokens {
		lines = append(lines, escape(fmt.Sprintf("#%d %s — $%s / 24h Δ %s%%",
			i+1, t.Symbol, market.FormatVolume(t.Volume24hUSD), market.FormatPercent(t.Change24h))))
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
