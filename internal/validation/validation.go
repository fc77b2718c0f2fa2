// Package validation implements the Validator from spec §4.9: four
// dimensions scored against per-level gates (strict | standard |
// lenient), producing a pass/fail ValidationReport with issues and
// recommendations. It never modifies the synthesized text. No donor
// production source exists for this (see DESIGN.md); built directly from
// spec in the Quality Scorer's pure-function style.
package validation

import (
	"fmt"
	"strings"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/scoring"
)

// Level selects a named threshold profile.
type Level string

const (
	LevelStrict   Level = "strict"
	LevelStandard Level = "standard"
	LevelLenient  Level = "lenient"
)

// Thresholds is the per-dimension gate plus the overall minimum.
type Thresholds struct {
	Relevance    float64
	Completeness float64
	Plausibility float64
	Consistency  float64
	Overall      float64
}

// ThresholdsForLevel matches spec §4.9's three named profiles.
func ThresholdsForLevel(level Level) Thresholds {
	switch level {
	case LevelStrict:
		return Thresholds{Relevance: 0.7, Completeness: 0.7, Plausibility: 0.8, Consistency: 0.7, Overall: 0.75}
	case LevelLenient:
		return Thresholds{Relevance: 0.3, Completeness: 0.3, Plausibility: 0.4, Consistency: 0.3, Overall: 0.4}
	default:
		return Thresholds{Relevance: 0.5, Completeness: 0.5, Plausibility: 0.6, Consistency: 0.5, Overall: 0.55}
	}
}

var opposingTerms = [][2]string{
	{"always", "never"}, {"increase", "decrease"}, {"possible", "impossible"},
	{"true", "false"}, {"safe", "dangerous"}, {"legal", "illegal"},
}

// Validate runs all four dimensions against synthesized for prompt and
// the contributing input responses, and returns a ValidationReport.
func Validate(prompt string, synthesized gwtypes.SynthesizedAnswer, inputs []gwtypes.ProviderResponse, level Level) gwtypes.ValidationReport {
	th := ThresholdsForLevel(level)

	scored := scoring.Score(prompt, synthesized.Text, 0.5, scoring.DefaultWeights())
	relevance := scored.Relevance
	completeness := scored.Completeness
	plausibility := scored.Plausibility
	consistency := crossResponseConsistency(synthesized.Text, inputs)

	dims := map[string]float64{
		"relevance":    relevance,
		"completeness": completeness,
		"plausibility": plausibility,
		"consistency":  consistency,
	}
	gates := map[string]float64{
		"relevance":    th.Relevance,
		"completeness": th.Completeness,
		"plausibility": th.Plausibility,
		"consistency":  th.Consistency,
	}

	var issues []gwtypes.ValidationIssue
	var recommendations []string
	allGatesPass := true

	for _, dim := range []string{"relevance", "completeness", "plausibility", "consistency"} {
		if dims[dim] < gates[dim] {
			allGatesPass = false
			issues = append(issues, gwtypes.ValidationIssue{
				Dimension: dim,
				Severity:  gwtypes.SeverityWarning,
				Message:   fmt.Sprintf("%s score %.2f is below the %.2f gate", dim, dims[dim], gates[dim]),
			})
			recommendations = append(recommendations, recommendationFor(dim))
		}
	}

	overall := (relevance + completeness + plausibility + consistency) / 4
	passed := allGatesPass && overall >= th.Overall
	if !passed && allGatesPass {
		issues = append(issues, gwtypes.ValidationIssue{
			Dimension: "overall",
			Severity:  gwtypes.SeverityWarning,
			Message:   fmt.Sprintf("overall score %.2f is below the %.2f minimum", overall, th.Overall),
		})
	}

	return gwtypes.ValidationReport{
		Passed:          passed,
		DimensionScores: dims,
		Thresholds:      gates,
		Issues:          issues,
		Recommendations: recommendations,
	}
}

func recommendationFor(dim string) string {
	switch dim {
	case "relevance":
		return "tighten the answer around the prompt's key terms"
	case "completeness":
		return "cover the remaining aspects raised by the prompt"
	case "plausibility":
		return "remove or qualify unsupported claims"
	case "consistency":
		return "resolve contradictions across the contributing responses"
	default:
		return "review the synthesized answer"
	}
}

// crossResponseConsistency looks for opposing-term contradictions across
// the fulfilled input responses and rewards agreement on repeated key
// phrases, per spec §4.9.
func crossResponseConsistency(synthesizedText string, inputs []gwtypes.ProviderResponse) float64 {
	var fulfilled []string
	for _, r := range inputs {
		if r.Status == gwtypes.StatusFulfilled && strings.TrimSpace(r.Content) != "" {
			fulfilled = append(fulfilled, strings.ToLower(r.Content))
		}
	}
	if len(fulfilled) == 0 {
		return 0.5
	}

	contradictionPenalty := 0.0
	for _, pair := range opposingTerms {
		hasA, hasB := false, false
		for _, text := range fulfilled {
			if strings.Contains(text, pair[0]) {
				hasA = true
			}
			if strings.Contains(text, pair[1]) {
				hasB = true
			}
		}
		if hasA && hasB {
			contradictionPenalty += 0.15
		}
	}

	agreementBonus := 0.0
	if len(fulfilled) > 1 {
		phraseCounts := make(map[string]int)
		for _, text := range fulfilled {
			for _, phrase := range extractKeyPhrases(text) {
				phraseCounts[phrase]++
			}
		}
		shared := 0
		for _, count := range phraseCounts {
			if count >= len(fulfilled) {
				shared++
			}
		}
		if shared > 0 {
			agreementBonus = 0.1
			if agreementBonus > 0.3 {
				agreementBonus = 0.3
			}
		}
	}

	score := 0.7 - contradictionPenalty + agreementBonus
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func extractKeyPhrases(text string) []string {
	words := strings.Fields(text)
	var phrases []string
	for i := 0; i+2 <= len(words); i++ {
		phrases = append(phrases, words[i]+" "+words[i+1])
	}
	return phrases
}
