// Package costestimate implements the cost estimation endpoint's backing
// computation from spec §4.12/§6: a pure function over a tier's provider
// roster and a prompt's estimated token count, with no network call. The
// per-1k input/output coefficients are the same ones the Orchestrator's
// tierconfig.ProviderSpec carries for each role.
package costestimate

import (
	"math"

	"github.com/vasic-digital/ensemblegateway/internal/tierconfig"
)

// tokensPerWord is the fixed multiplier spec §4.12 calls for: an estimate,
// not a real tokenizer call, so the endpoint never needs upstream access.
const tokensPerWord = 1.3

// assumedOutputRatio approximates completion length relative to the
// prompt itself, absent an actual model call to measure against.
const assumedOutputRatio = 0.75

// Estimate is one provider's projected cost for a single prompt.
type Estimate struct {
	Role               string
	InputTokens        int
	OutputTokens       int
	InputCostEstimate  float64
	OutputCostEstimate float64
	TotalCostEstimate  float64
}

// ForTier returns a cost estimate per provider role configured for tier,
// given the prompt's word count.
func ForTier(tier tierconfig.TierSpec, wordCount int) []Estimate {
	inputTokens := EstimateTokens(wordCount)
	outputTokens := int(math.Ceil(float64(inputTokens) * assumedOutputRatio))

	estimates := make([]Estimate, 0, len(tier.Providers))
	for _, p := range tier.Providers {
		inputCost := float64(inputTokens) / 1000 * p.CostPer1kInput
		outputCost := float64(outputTokens) / 1000 * p.CostPer1kOutput
		estimates = append(estimates, Estimate{
			Role:               p.Role,
			InputTokens:        inputTokens,
			OutputTokens:       outputTokens,
			InputCostEstimate:  inputCost,
			OutputCostEstimate: outputCost,
			TotalCostEstimate:  inputCost + outputCost,
		})
	}
	return estimates
}

// EstimateTokens converts a word count into a rough token count using the
// fixed multiplier spec §4.12 names, rounding up so the estimate never
// undercounts.
func EstimateTokens(wordCount int) int {
	return int(math.Ceil(float64(wordCount) * tokensPerWord))
}
