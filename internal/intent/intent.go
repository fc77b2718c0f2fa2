// Package intent implements the rule-based Intent Classifier from spec
// §4.7: keyword lists and regex patterns per intent type, each scoring
// 0-1, with the argmax becoming the primary intent. No donor production
// source exists for this (internal/services ships tests only in the
// retrieval pack); built directly from spec, following the donor's
// general preference for small pure-function scorers with explicit
// sub-factor maps (internal/debate/voting's ChoiceScores style).
package intent

import (
	"regexp"
	"strings"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

type keywordRule struct {
	intent   gwtypes.IntentClass
	keywords []string
	patterns []*regexp.Regexp
}

var rules = []keywordRule{
	{
		intent:   gwtypes.IntentFactual,
		keywords: []string{"what is", "who is", "when did", "where is", "define", "fact"},
		patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^(what|who|when|where)\b`)},
	},
	{
		intent:   gwtypes.IntentCreative,
		keywords: []string{"write a story", "poem", "imagine", "creative", "invent", "fictional"},
	},
	{
		intent:   gwtypes.IntentTechnical,
		keywords: []string{"algorithm", "code", "function", "b-tree", "api", "database", "implement", "compile", "stack trace"},
	},
	{
		intent:   gwtypes.IntentComparative,
		keywords: []string{"compare", "versus", "vs.", "difference between", "better than", "which is better"},
	},
	{
		intent:   gwtypes.IntentExplanatory,
		keywords: []string{"explain", "how does", "why does", "describe how"},
	},
	{
		intent:   gwtypes.IntentProblemSolving,
		keywords: []string{"how do i fix", "solve", "troubleshoot", "debug", "error", "issue"},
	},
	{
		intent:   gwtypes.IntentAnalytical,
		keywords: []string{"analyze", "evaluate", "assess", "pros and cons", "implications"},
	},
	{
		intent:   gwtypes.IntentInstructional,
		keywords: []string{"how to", "step by step", "guide", "tutorial", "instructions"},
	},
}

var domainKeywords = map[string][]string{
	"technology": {"software", "computer", "algorithm", "api", "database", "code", "network"},
	"science":    {"physics", "chemistry", "biology", "quantum", "molecule", "theory"},
	"business":   {"market", "revenue", "investment", "strategy", "customer", "profit"},
	"education":  {"learn", "student", "teach", "curriculum", "study"},
	"health":     {"symptom", "disease", "treatment", "medicine", "patient", "diagnosis"},
	"arts":       {"painting", "music", "novel", "sculpture", "film", "design"},
}

var complexityIndicators = []string{
	"comprehensive", "in-depth", "detailed", "nuanced", "multifaceted", "thorough",
}

var urgencyIndicators = map[gwtypes.Urgency][]string{
	gwtypes.UrgencyHigh: {"urgent", "asap", "immediately", "emergency", "critical", "right now"},
	gwtypes.UrgencyLow:  {"whenever", "no rush", "eventually", "sometime"},
}

// Classify runs the rule-based classifier over prompt.
func Classify(prompt string) gwtypes.IntentResult {
	lower := strings.ToLower(prompt)

	scores := make(map[gwtypes.IntentClass]float64, len(rules)+1)
	for _, r := range rules {
		scores[r.intent] = scoreRule(lower, r)
	}

	primary := gwtypes.IntentGeneral
	best := 0.0
	for _, r := range rules {
		if s := scores[r.intent]; s > best {
			best = s
			primary = r.intent
		}
	}
	if best == 0 {
		scores[gwtypes.IntentGeneral] = 1.0
	}

	return gwtypes.IntentResult{
		Primary:    primary,
		Scores:     scores,
		Domain:     classifyDomain(lower),
		Complexity: classifyComplexity(prompt),
		Urgency:    classifyUrgency(lower),
	}
}

func scoreRule(lower string, r keywordRule) float64 {
	hits := 0
	total := len(r.keywords) + len(r.patterns)
	if total == 0 {
		return 0
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	for _, p := range r.patterns {
		if p.MatchString(lower) {
			hits++
		}
	}
	score := float64(hits) / float64(total)
	if score > 1 {
		score = 1
	}
	return score
}

func classifyDomain(lower string) string {
	best := "general"
	bestHits := 0
	for domain, words := range domainKeywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = domain
		}
	}
	return best
}

func classifyComplexity(prompt string) gwtypes.Complexity {
	words := strings.Fields(prompt)
	sentences := strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})

	lower := strings.ToLower(prompt)
	indicatorHits := 0
	for _, ind := range complexityIndicators {
		if strings.Contains(lower, ind) {
			indicatorHits++
		}
	}

	wordCount := len(words)
	sentenceCount := len(sentences)

	switch {
	case wordCount < 8 && sentenceCount <= 1 && indicatorHits == 0:
		return gwtypes.ComplexityVerySimple
	case wordCount < 20 && indicatorHits == 0:
		return gwtypes.ComplexitySimple
	case wordCount < 50 && indicatorHits < 2:
		return gwtypes.ComplexityModerate
	case wordCount < 120 && indicatorHits < 3:
		return gwtypes.ComplexityComplex
	default:
		return gwtypes.ComplexityVeryComplex
	}
}

func classifyUrgency(lower string) gwtypes.Urgency {
	for _, w := range urgencyIndicators[gwtypes.UrgencyHigh] {
		if strings.Contains(lower, w) {
			return gwtypes.UrgencyHigh
		}
	}
	for _, w := range urgencyIndicators[gwtypes.UrgencyLow] {
		if strings.Contains(lower, w) {
			return gwtypes.UrgencyLow
		}
	}
	return gwtypes.UrgencyMedium
}
