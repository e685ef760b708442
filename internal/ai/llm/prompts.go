package llm

import (
	"regexp"
	"strings"
)

// SystemPromptInsight frames the insight engine persona
const SystemPromptInsight = `MetaPulse Insight Engine delivers concise market diagnostics. Always reply with valid JSON.`

// UserPromptInsight is filled with the token table
const UserPromptInsight = `You are the MetaPulse Insight Engine. Analyse the following Solana-centric token signals and respond with strict JSON.

Tokens:
%s

Return JSON with keys: summary (string, 2 sentences), insights (array of objects with keys symbol, insight, confidence(0-1)), risk (string, 1 short sentence), nextSteps (array of action strings). Keep tone precise, neutral.
`

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// StripCodeFence removes markdown code block formatting from LLM responses,
// e.g. ```json\n{...}\n```
func StripCodeFence(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeFence.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}
