package cost

import (
	"math"
	"unicode/utf8"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// Rate is USD per 1K tokens.
type Rate struct {
	Input  float64
	Output float64
}

var rates = map[provider.ID]map[string]Rate{
	provider.OpenAI: {
		"gpt-4":         {Input: 0.03, Output: 0.06},
		"gpt-4o":        {Input: 0.005, Output: 0.015},
		"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
		"gpt-3.5-turbo": {Input: 0.0015, Output: 0.002},
	},
	provider.Anthropic: {
		"claude-3-sonnet-20240229": {Input: 0.003, Output: 0.015},
		"claude-3-haiku-20240307":  {Input: 0.00025, Output: 0.00125},
	},
	provider.Google: {
		"gemini-pro":       {Input: 0.0005, Output: 0.0015},
		"gemini-1.5-flash": {Input: 0.000075, Output: 0.0003},
	},
}

// FallbackRate prices any (provider, model) pair missing from the table.
var FallbackRate = Rate{Input: 0.005, Output: 0.01}

func RateFor(id provider.ID, model string) Rate {
	if r, ok := rates[id][model]; ok {
		return r
	}
	return FallbackRate
}

// EstimateTokens approximates four characters per token, minimum one.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// EstimateCost prices a call in USD, rounded to four decimals.
func EstimateCost(id provider.ID, model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	r := RateFor(id, model)
	usd := float64(inputTokens)/1000*r.Input + float64(outputTokens)/1000*r.Output
	return round4(usd)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
