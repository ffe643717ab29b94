package energy

import (
	"math"
	"strings"
)

// Pricing helpers convert provider-side cost figures into credits.
// Credits are integral; every estimate rounds up and charges at least
// the configured minimum so no request is free.

// EstimateTokens gives a rough token count for a text prompt
// (~4 characters per token, minimum 1).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}
	tokens := (len(trimmed) + 3) / 4
	if tokens < 1 {
		return 1
	}
	return tokens
}

// TokenCredits converts a token count into credits at a per-1k-token rate.
func TokenCredits(totalTokens, creditsPer1k, minimum int64) int64 {
	if totalTokens < 1 {
		totalTokens = 1
	}
	if creditsPer1k < 1 {
		creditsPer1k = 1
	}
	credits := int64(math.Ceil(float64(totalTokens) / 1000 * float64(creditsPer1k)))
	if credits < minimum {
		return minimum
	}
	return credits
}

// CreditsFromEUR converts a provider cost in EUR into credits, applying a
// margin multiplier. eurPerCredit is the face value of one credit.
func CreditsFromEUR(costEUR, margin, eurPerCredit float64, minimum int64) int64 {
	if minimum < 1 {
		minimum = 1
	}
	if !isFinitePositive(costEUR) {
		return minimum
	}
	if margin < 1 {
		margin = 1
	}
	if eurPerCredit < 0.0001 {
		eurPerCredit = 0.0001
	}
	credits := int64(math.Ceil(costEUR * margin / eurPerCredit))
	if credits < minimum {
		return minimum
	}
	return credits
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
