// Package synthesis implements the Synthesizer from spec §4.8: splits
// each fulfilled response into sections, scores and ranks them, greedily
// selects a non-redundant subset, orders them canonically, and asks a
// Provider Client to weave them into one answer (falling back to a
// template concatenation on failure). No donor production source exists
// for this (see DESIGN.md); section splitting and scoring reuse the
// Quality Scorer's pure-function style from internal/scoring, and the
// synthesis prompt follows the donor's template authoring idiom from
// internal/debate/agents/templates.go.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/scoring"
)

// Config tunes the Synthesizer's selection behavior.
type Config struct {
	MaxSections         int
	RedundancyThreshold float64
	MinSectionWords     int
	MinSectionQuality   float64
}

// DefaultConfig matches spec §4.8's defaults.
func DefaultConfig() Config {
	return Config{
		MaxSections:         6,
		RedundancyThreshold: 0.7,
		MinSectionWords:     8,
		MinSectionQuality:   0.2,
	}
}

// MaxSectionsForIntent implements the "intent-dependent, typically 5-8"
// sizing rule from spec §4.8.
func MaxSectionsForIntent(intent gwtypes.IntentClass) int {
	switch intent {
	case gwtypes.IntentTechnical, gwtypes.IntentInstructional, gwtypes.IntentProblemSolving:
		return 8
	case gwtypes.IntentCreative:
		return 5
	default:
		return 6
	}
}

// sectionTypeWeight is the per-type weighting applied before ranking.
var sectionTypeWeight = map[gwtypes.SectionType]float64{
	gwtypes.SectionIntroduction: 0.8,
	gwtypes.SectionExplanation:  1.0,
	gwtypes.SectionExamples:     0.9,
	gwtypes.SectionApplications: 0.85,
	gwtypes.SectionDetails:      0.9,
	gwtypes.SectionConclusion:   0.75,
}

// canonicalOrder is the ordering used to lay out the final section plan.
var canonicalOrder = map[gwtypes.SectionType]int{
	gwtypes.SectionIntroduction: 0,
	gwtypes.SectionExplanation:  1,
	gwtypes.SectionExamples:     2,
	gwtypes.SectionApplications: 3,
	gwtypes.SectionDetails:      4,
	gwtypes.SectionConclusion:   5,
}

// candidateSection is one split-out fragment ready for scoring.
type candidateSection struct {
	role  string
	text  string
	sType gwtypes.SectionType
	score float64
	words map[string]struct{}
}

var headerPattern = regexp.MustCompile(`(?m)^\s*#{1,6}\s+.+$`)

// splitSections breaks response text into paragraph- or header-delimited
// fragments.
func splitSections(text string) []string {
	if headerPattern.MatchString(text) {
		parts := headerPattern.Split(text, -1)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var exampleCue = regexp.MustCompile(`(?i)\bexample|for instance|e\.g\.`)
var applicationCue = regexp.MustCompile(`(?i)\buse case|\bapplication|\bin practice|\bused (for|to)`)
var conclusionCue = regexp.MustCompile(`(?i)\bin summary|\bin conclusion|\boverall|\bto conclude`)
var introCue = regexp.MustCompile(`(?i)^\s*(introduction|overview|first)`)

// classifySection assigns a SectionType based on lexical cues, with
// index acting as a tie-break (first fragment leans introduction, last
// fragment leans conclusion).
func classifySection(text string, index, total int) gwtypes.SectionType {
	switch {
	case exampleCue.MatchString(text):
		return gwtypes.SectionExamples
	case applicationCue.MatchString(text):
		return gwtypes.SectionApplications
	case conclusionCue.MatchString(text) || (total > 1 && index == total-1):
		return gwtypes.SectionConclusion
	case introCue.MatchString(text) || (total > 1 && index == 0):
		return gwtypes.SectionIntroduction
	case strings.Count(text, "\n") > 3 || len(strings.Fields(text)) > 60:
		return gwtypes.SectionDetails
	default:
		return gwtypes.SectionExplanation
	}
}

func wordSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ProviderCaller invokes a Provider Client with the synthesis prompt.
// The Orchestrator supplies a concrete implementation backed by a
// providerclient.Client.
type ProviderCaller func(ctx context.Context, prompt string) (string, error)

// Synthesize runs the full pipeline from spec §4.8 over the fulfilled,
// high-scoring responses and returns a SynthesizedAnswer.
func Synthesize(ctx context.Context, prompt string, responses []gwtypes.ProviderResponse, intent gwtypes.IntentClass, cfg Config, call ProviderCaller) gwtypes.SynthesizedAnswer {
	if cfg.MaxSections <= 0 {
		cfg.MaxSections = MaxSectionsForIntent(intent)
	}
	if cfg.RedundancyThreshold <= 0 {
		cfg.RedundancyThreshold = DefaultConfig().RedundancyThreshold
	}

	var candidates []candidateSection
	var meanInputQuality float64
	scoredCount := 0

	for _, resp := range responses {
		if resp.Status != gwtypes.StatusFulfilled || strings.TrimSpace(resp.Content) == "" {
			continue
		}
		fragments := splitSections(resp.Content)
		for i, frag := range fragments {
			if len(strings.Fields(frag)) < cfg.MinSectionWords {
				continue
			}
			sType := classifySection(frag, i, len(fragments))
			scored := scoring.Score(prompt, frag, 0.5, scoring.DefaultWeights())
			relevance := scored.Relevance
			combined := scored.CompositeQuality * sectionTypeWeight[sType] * (0.5 + 0.5*relevance)
			if combined < cfg.MinSectionQuality {
				continue
			}
			candidates = append(candidates, candidateSection{
				role:  resp.Role,
				text:  frag,
				sType: sType,
				score: combined,
				words: wordSet(frag),
			})
			meanInputQuality += scored.CompositeQuality
			scoredCount++
		}
	}

	if scoredCount > 0 {
		meanInputQuality /= float64(scoredCount)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var selected []candidateSection
	for _, c := range candidates {
		if len(selected) >= cfg.MaxSections {
			break
		}
		redundant := false
		for _, s := range selected {
			if jaccard(c.words, s.words) > cfg.RedundancyThreshold {
				redundant = true
				break
			}
		}
		if !redundant {
			selected = append(selected, c)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		oi, oj := canonicalOrder[selected[i].sType], canonicalOrder[selected[j].sType]
		if oi != oj {
			return oi < oj
		}
		return selected[i].score > selected[j].score
	})

	roleSet := make(map[string]struct{})
	plan := make([]gwtypes.SectionType, 0, len(selected))
	texts := make([]string, 0, len(selected))
	for _, s := range selected {
		roleSet[s.role] = struct{}{}
		plan = append(plan, s.sType)
		texts = append(texts, s.text)
	}
	roles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	answer := gwtypes.SynthesizedAnswer{ContributingRoles: roles, SectionPlan: plan}

	if call != nil && len(texts) > 0 {
		synthPrompt := buildSynthesisPrompt(prompt, intent, selected)
		if text, err := call(ctx, synthPrompt); err == nil && strings.TrimSpace(text) != "" {
			answer.Text = text
			finalScored := scoring.Score(prompt, text, 0.5, scoring.DefaultWeights())
			answer.QualityImprovement = finalScored.CompositeQuality - meanInputQuality
			return answer
		}
	}

	answer.Text = strings.Join(texts, "\n\n")
	answer.FromTemplate = true
	templateScored := scoring.Score(prompt, answer.Text, 0.5, scoring.DefaultWeights())
	answer.QualityImprovement = templateScored.CompositeQuality - meanInputQuality
	return answer
}

func buildSynthesisPrompt(prompt string, intent gwtypes.IntentClass, sections []candidateSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original prompt (intent: %s):\n%s\n\n", intent, prompt)
	b.WriteString("Combine the following sections into one coherent answer, preserving their order and not inventing new claims:\n\n")
	for i, s := range sections {
		fmt.Fprintf(&b, "Section %d (%s):\n%s\n\n", i+1, s.sType, s.text)
	}
	return b.String()
}
