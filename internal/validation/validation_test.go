package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func TestValidatePassesGoodAnswer(t *testing.T) {
	prompt := "what is a cache and how does it improve performance?"
	answer := gwtypes.SynthesizedAnswer{
		Text: "A cache improves performance by storing recently used values, for example an LRU cache, " +
			"so repeated lookups avoid recomputation. Overall, caching trades memory for latency.",
	}
	inputs := []gwtypes.ProviderResponse{
		{Role: "opus", Status: gwtypes.StatusFulfilled, Content: "A cache stores recently used values to speed up lookups."},
	}
	report := Validate(prompt, answer, inputs, LevelLenient)
	assert.True(t, report.Passed)
}

func TestValidateFailsOnOffTopicAnswer(t *testing.T) {
	prompt := "what is a cache and how does it improve performance?"
	answer := gwtypes.SynthesizedAnswer{Text: "Bananas are a good source of potassium."}
	report := Validate(prompt, answer, nil, LevelStrict)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.Issues)
}

func TestValidateDoesNotModifyText(t *testing.T) {
	answer := gwtypes.SynthesizedAnswer{Text: "original synthesized text"}
	Validate("prompt", answer, nil, LevelStandard)
	assert.Equal(t, "original synthesized text", answer.Text)
}

func TestValidatePenalizesContradictions(t *testing.T) {
	inputs := []gwtypes.ProviderResponse{
		{Role: "opus", Status: gwtypes.StatusFulfilled, Content: "this approach is always safe to use"},
		{Role: "turbo", Status: gwtypes.StatusFulfilled, Content: "this approach is never safe to use"},
	}
	withContradiction := crossResponseConsistency("synthesized text", inputs)

	agreeing := []gwtypes.ProviderResponse{
		{Role: "opus", Status: gwtypes.StatusFulfilled, Content: "this approach is always safe to use"},
		{Role: "turbo", Status: gwtypes.StatusFulfilled, Content: "this approach is always safe to use"},
	}
	withoutContradiction := crossResponseConsistency("synthesized text", agreeing)

	assert.Less(t, withContradiction, withoutContradiction)
}

func TestThresholdsForLevelOrdering(t *testing.T) {
	strict := ThresholdsForLevel(LevelStrict)
	standard := ThresholdsForLevel(LevelStandard)
	lenient := ThresholdsForLevel(LevelLenient)

	assert.Greater(t, strict.Overall, standard.Overall)
	assert.Greater(t, standard.Overall, lenient.Overall)
}

func TestValidateReportsDimensionScoresForAllFour(t *testing.T) {
	report := Validate("anything", gwtypes.SynthesizedAnswer{Text: "something"}, nil, LevelStandard)
	for _, dim := range []string{"relevance", "completeness", "plausibility", "consistency"} {
		_, ok := report.DimensionScores[dim]
		assert.True(t, ok, "missing dimension %s", dim)
	}
}
