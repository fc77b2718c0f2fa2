// Package scoring implements the Quality Scorer from spec §4.4: six
// quality dimensions computed as a pure function of prompt and response
// text, plus the composite weighted sum. No donor production source
// exists for this (see DESIGN.md); built directly from spec in the
// donor's general style of small, explicitly-factored pure functions.
package scoring

import (
	"math"
	"regexp"
	"strings"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "of": {}, "to": {}, "in": {},
	"and": {}, "or": {}, "for": {}, "on": {}, "with": {}, "that": {}, "this": {},
	"it": {}, "as": {}, "be": {}, "by": {}, "at": {}, "from": {}, "was": {}, "were": {},
}

var questionTypePatterns = map[string]*regexp.Regexp{
	"definition": regexp.MustCompile(`(?i)\bwhat (is|are)\b|\bdefine\b`),
	"procedure":  regexp.MustCompile(`(?i)\bhow (do|to|does)\b|\bsteps?\b`),
	"comparison": regexp.MustCompile(`(?i)\bcompare\b|\bversus\b|\bvs\.?\b|\bdifference\b`),
	"enumeration": regexp.MustCompile(`(?i)\blist\b|\bexamples?\b|\benumerate\b`),
}

var impossibleClaims = []string{
	"faster than light", "perpetual motion machine", "divide by zero is defined",
	"humans can breathe underwater unaided", "the earth is flat",
}

var opposingTerms = [][2]string{
	{"always", "never"}, {"increase", "decrease"}, {"possible", "impossible"},
	{"true", "false"}, {"safe", "dangerous"}, {"legal", "illegal"},
}

var hedgingWords = []string{"maybe", "perhaps", "possibly", "might", "could be", "it seems", "arguably"}

var blockedTerms = []string{"idiot", "stupid", "hate speech placeholder", "kill yourself"}

var flowConnectives = []string{"however", "therefore", "moreover", "furthermore", "consequently", "in addition", "as a result"}

// Weights is the composite-quality weight table from spec §4.4.
type Weights struct {
	Relevance          float64
	Plausibility       float64
	Completeness       float64
	SemanticCoherence  float64
	Structure          float64
	Readability        float64
}

// DefaultWeights matches spec §4.4's composite formula.
func DefaultWeights() Weights {
	return Weights{
		Relevance:         0.25,
		Plausibility:      0.20,
		Completeness:      0.20,
		SemanticCoherence: 0.25,
		Structure:         0.10,
		Readability:       0.10,
	}
}

// Score computes all six dimensions for one response against prompt, and
// the composite quality. semanticCoherence is supplied by the caller
// (typically derived from embedding similarity to the prompt), since
// the scorer itself makes no network calls per spec §4.4's determinism
// requirement.
func Score(prompt, response string, semanticCoherence float64, w Weights) gwtypes.ScoredResponse {
	relevance, relFactors := scoreRelevance(prompt, response)
	completeness, compFactors := scoreCompleteness(prompt, response)
	plausibility, plausFactors := scorePlausibility(response)
	structure, structFactors := scoreStructure(response)
	readability, readFactors := scoreReadability(response)
	toxicity := scoreToxicity(response)

	composite := w.Relevance*relevance +
		w.Plausibility*plausibility +
		w.Completeness*completeness +
		w.SemanticCoherence*clamp01(semanticCoherence) +
		w.Structure*structure +
		w.Readability*readability

	return gwtypes.ScoredResponse{
		Relevance:           relevance,
		Completeness:        completeness,
		Plausibility:        plausibility,
		Structure:           structure,
		Readability:         readability,
		Toxicity:            toxicity,
		RelevanceFactors:    relFactors,
		CompletenessFactors: compFactors,
		PlausibilityFactors: plausFactors,
		StructureFactors:    structFactors,
		ReadabilityFactors:  readFactors,
		CompositeQuality:    clamp01(composite),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func contentWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if _, stop := stopWords[w]; stop || w == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func scoreRelevance(prompt, response string) (float64, gwtypes.QualityFactors) {
	promptWords := uniqueSet(contentWords(prompt))
	responseWords := uniqueSet(contentWords(response))

	overlap := 0
	for w := range promptWords {
		if _, ok := responseWords[w]; ok {
			overlap++
		}
	}
	keywordOverlap := 0.0
	if len(promptWords) > 0 {
		keywordOverlap = float64(overlap) / float64(len(promptWords))
	}

	lowerResponse := strings.ToLower(response)
	questionAlignment := 0.0
	matchedTypes := 0
	for _, pattern := range questionTypePatterns {
		if pattern.MatchString(prompt) {
			matchedTypes++
			if pattern.MatchString(lowerResponse) {
				questionAlignment++
			} else if patternImpliedByStructure(pattern, response) {
				questionAlignment += 0.5
			}
		}
	}
	if matchedTypes > 0 {
		questionAlignment /= float64(matchedTypes)
	} else {
		questionAlignment = 0.5
	}

	topicOverlap := keywordOverlap
	score := clamp01(0.5*keywordOverlap + 0.25*questionAlignment + 0.25*topicOverlap)

	return score, gwtypes.QualityFactors{
		"keyword_overlap":    keywordOverlap,
		"question_alignment": questionAlignment,
		"topic_overlap":      topicOverlap,
	}
}

// patternImpliedByStructure gives partial credit when the response has
// structural markers implying it answered a procedural/enumeration
// question (numbered lists, bullet points) even without restating the
// question's own keywords.
func patternImpliedByStructure(pattern *regexp.Regexp, response string) bool {
	if pattern != questionTypePatterns["procedure"] && pattern != questionTypePatterns["enumeration"] {
		return false
	}
	return regexp.MustCompile(`(?m)^\s*([-*]|\d+[.)])\s+`).MatchString(response)
}

func uniqueSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func scoreCompleteness(prompt, response string) (float64, gwtypes.QualityFactors) {
	promptWordCount := len(strings.Fields(prompt))
	responseWordCount := len(strings.Fields(response))

	expectedMin := promptWordCount * 3
	expectedMax := promptWordCount * 40
	if expectedMin < 20 {
		expectedMin = 20
	}
	if expectedMax < 200 {
		expectedMax = 200
	}

	lengthAppropriateness := 1.0
	switch {
	case responseWordCount < expectedMin:
		lengthAppropriateness = float64(responseWordCount) / float64(expectedMin)
	case responseWordCount > expectedMax:
		lengthAppropriateness = float64(expectedMax) / float64(responseWordCount)
	}
	lengthAppropriateness = clamp01(lengthAppropriateness)

	aspectCoverage := scoreAspectCoverage(prompt, response)
	structuralCompleteness := scoreStructuralCompleteness(response)

	score := clamp01(0.4*lengthAppropriateness + 0.3*aspectCoverage + 0.3*structuralCompleteness)
	return score, gwtypes.QualityFactors{
		"length_appropriateness":  lengthAppropriateness,
		"aspect_coverage":         aspectCoverage,
		"structural_completeness": structuralCompleteness,
	}
}

var aspectCues = []string{"how", "why", "when", "where", "what", "cost", "risk", "benefit", "example"}

func scoreAspectCoverage(prompt, response string) float64 {
	lowerPrompt := strings.ToLower(prompt)
	lowerResponse := strings.ToLower(response)

	expected := 0
	covered := 0
	for _, cue := range aspectCues {
		if strings.Contains(lowerPrompt, cue) {
			expected++
			if strings.Contains(lowerResponse, cue) {
				covered++
			}
		}
	}
	if expected == 0 {
		return 1.0
	}
	return float64(covered) / float64(expected)
}

func scoreStructuralCompleteness(response string) float64 {
	lower := strings.ToLower(response)
	hasIntro := len(strings.Fields(response)) > 0
	hasMain := len(strings.Split(strings.TrimSpace(response), "\n\n")) >= 1
	hasConclusion := strings.Contains(lower, "in summary") || strings.Contains(lower, "in conclusion") ||
		strings.Contains(lower, "overall") || len(strings.Split(strings.TrimSpace(response), "\n\n")) >= 2
	hasExamples := strings.Contains(lower, "example") || strings.Contains(lower, "for instance") ||
		regexp.MustCompile(`(?m)^\s*([-*]|\d+[.)])\s+`).MatchString(response)

	hits := 0
	for _, ok := range []bool{hasIntro, hasMain, hasConclusion, hasExamples} {
		if ok {
			hits++
		}
	}
	return float64(hits) / 4.0
}

func scorePlausibility(response string) (float64, gwtypes.QualityFactors) {
	lower := strings.ToLower(response)

	impossibleHits := 0
	for _, claim := range impossibleClaims {
		if strings.Contains(lower, claim) {
			impossibleHits++
		}
	}

	outOfRangeHits := countOutOfRangeNumerics(response)

	contradictionHits := 0
	for _, pair := range opposingTerms {
		if strings.Contains(lower, pair[0]) && strings.Contains(lower, pair[1]) {
			contradictionHits++
		}
	}

	tokens := strings.Fields(response)
	hedgeCount := 0
	for _, h := range hedgingWords {
		hedgeCount += strings.Count(lower, h)
	}
	hedgeRatio := 0.0
	if len(tokens) > 0 {
		hedgeRatio = float64(hedgeCount) / float64(len(tokens))
	}
	excessiveHedging := hedgeRatio > 0.05

	penalty := 0.0
	penalty += float64(impossibleHits) * 0.3
	penalty += float64(outOfRangeHits) * 0.15
	penalty += float64(contradictionHits) * 0.2
	if excessiveHedging {
		penalty += 0.15
	}

	score := clamp01(1.0 - penalty)
	return score, gwtypes.QualityFactors{
		"impossible_claims":  float64(impossibleHits),
		"out_of_range_facts": float64(outOfRangeHits),
		"contradictions":     float64(contradictionHits),
		"hedge_ratio":        hedgeRatio,
	}
}

var percentPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%`)
var yearPattern = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)
var temperaturePattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(?:°|degrees)\s*[CF]?`)

func countOutOfRangeNumerics(response string) int {
	hits := 0
	for _, m := range percentPattern.FindAllStringSubmatch(response, -1) {
		v := parseFloat(m[1])
		if v < 0 || v > 100 {
			hits++
		}
	}
	for _, m := range yearPattern.FindAllStringSubmatch(response, -1) {
		v := parseFloat(m[1])
		if v < 1000 || v > 2030 {
			hits++
		}
	}
	for _, m := range temperaturePattern.FindAllStringSubmatch(response, -1) {
		v := parseFloat(m[1])
		if v < -273 || v > 1000 {
			hits++
		}
	}
	return hits
}

func parseFloat(s string) float64 {
	var v float64
	var sign float64 = 1
	i := 0
	if i < len(s) && s[i] == '-' {
		sign = -1
		i++
	}
	intPart := 0.0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		intPart = intPart*10 + float64(s[i]-'0')
	}
	v = intPart
	if i < len(s) && s[i] == '.' {
		i++
		frac := 0.0
		div := 1.0
		for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
			frac = frac*10 + float64(s[i]-'0')
			div *= 10
		}
		v += frac / div
	}
	return sign * v
}

func scoreStructure(response string) (float64, gwtypes.QualityFactors) {
	paragraphs := strings.Split(strings.TrimSpace(response), "\n\n")
	paragraphCount := len(paragraphs)

	hasList := regexp.MustCompile(`(?m)^\s*([-*]|\d+[.)])\s+`).MatchString(response)
	hasHeadings := regexp.MustCompile(`(?m)^(#{1,6}\s|[A-Z][A-Za-z ]+:\s*$)`).MatchString(response)

	connectiveHits := 0
	lower := strings.ToLower(response)
	for _, c := range flowConnectives {
		if strings.Contains(lower, c) {
			connectiveHits++
		}
	}
	hasConnectives := connectiveHits > 0

	paragraphScore := clamp01(float64(paragraphCount) / 3.0)

	hits := paragraphScore
	bonus := 0.0
	if hasList {
		bonus += 0.2
	}
	if hasHeadings {
		bonus += 0.2
	}
	if hasConnectives {
		bonus += 0.2
	}
	score := clamp01(0.4*hits + bonus)

	return score, gwtypes.QualityFactors{
		"paragraph_count": float64(paragraphCount),
		"has_list":        boolToFloat(hasList),
		"has_headings":    boolToFloat(hasHeadings),
		"has_connectives": boolToFloat(hasConnectives),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var simpleWordMaxLen = 6

func scoreReadability(response string) (float64, gwtypes.QualityFactors) {
	sentences := strings.FieldsFunc(response, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	words := strings.Fields(response)

	avgSentenceLen := 0.0
	if len(sentences) > 0 {
		avgSentenceLen = float64(len(words)) / float64(len(sentences))
	}
	// Ideal average sentence length sits around 15-20 words; score falls
	// off on either side.
	sentenceLenScore := clamp01(1 - math.Abs(avgSentenceLen-17.5)/30)

	simpleCount := 0
	for _, w := range words {
		if len(strings.Trim(w, ".,;:!?\"'()")) <= simpleWordMaxLen {
			simpleCount++
		}
	}
	simpleWordRatio := 0.0
	if len(words) > 0 {
		simpleWordRatio = float64(simpleCount) / float64(len(words))
	}

	passiveMatches := regexp.MustCompile(`(?i)\b(is|are|was|were|be|been|being)\s+\w+ed\b`).FindAllString(response, -1)
	passiveRatio := 0.0
	if len(sentences) > 0 {
		passiveRatio = float64(len(passiveMatches)) / float64(len(sentences))
	}
	passiveScore := clamp01(1 - passiveRatio)

	score := clamp01(0.4*sentenceLenScore + 0.4*simpleWordRatio + 0.2*passiveScore)
	return score, gwtypes.QualityFactors{
		"avg_sentence_length": avgSentenceLen,
		"simple_word_ratio":   simpleWordRatio,
		"passive_ratio":       passiveRatio,
	}
}

func scoreToxicity(response string) float64 {
	lower := strings.ToLower(response)
	hits := 0
	for _, term := range blockedTerms {
		hits += strings.Count(lower, term)
	}
	words := strings.Fields(response)
	if len(words) == 0 {
		return 0
	}
	return clamp01(float64(hits) / float64(len(words)) * 20)
}
