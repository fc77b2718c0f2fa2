package voting

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vasic-digital/ensemblegateway/internal/embedding"
	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/votehistory"
)

// TieBreakResult is the Tie-Breaker's output (spec §4.6).
type TieBreakResult struct {
	Strategy   string
	Winner     string
	Confidence float64
}

// BreakTie tries, in order, higher historical win-rate, higher calibrated
// probability, higher embedding uniqueness, and lexicographic role tag as
// the final deterministic fallback, returning the first strategy that
// yields a strict winner.
func BreakTie(inputs []Input, hist votehistory.HistoricalWeightsProvider) TieBreakResult {
	if len(inputs) == 0 {
		return TieBreakResult{}
	}
	if len(inputs) == 1 {
		return TieBreakResult{Strategy: "sole_candidate", Winner: inputs[0].Role, Confidence: inputs[0].Scored.CalibratedConfidence}
	}

	if hist != nil {
		if winner, ok := strictMaxBy(inputs, func(in Input) float64 { return hist.Multiplier(in.Role) }); ok {
			return TieBreakResult{Strategy: "historical_win_rate", Winner: winner.Role, Confidence: winner.Scored.CalibratedConfidence}
		}
	}

	if winner, ok := strictMaxBy(inputs, func(in Input) float64 { return in.Scored.CalibratedConfidence }); ok {
		return TieBreakResult{Strategy: "calibrated_probability", Winner: winner.Role, Confidence: winner.Scored.CalibratedConfidence}
	}

	if winner, ok := strictMaxBy(inputs, func(in Input) float64 { return in.EmbeddingUniqueness }); ok {
		return TieBreakResult{Strategy: "embedding_uniqueness", Winner: winner.Role, Confidence: winner.Scored.CalibratedConfidence}
	}

	sorted := append([]Input(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })
	return TieBreakResult{Strategy: "lexicographic", Winner: sorted[0].Role, Confidence: sorted[0].Scored.CalibratedConfidence}
}

// strictMaxBy returns the input with the strictly highest key(in), or
// false if two or more inputs tie for the maximum (in which case the
// caller must fall through to the next strategy).
func strictMaxBy(inputs []Input, key func(Input) float64) (Input, bool) {
	best := inputs[0]
	bestVal := key(best)
	tied := false
	for _, in := range inputs[1:] {
		v := key(in)
		if v > bestVal {
			best = in
			bestVal = v
			tied = false
		} else if v == bestVal {
			tied = true
		}
	}
	if tied {
		return Input{}, false
	}
	return best, true
}

// MetaVoterCaller invokes a Provider Client with the meta-voting rubric
// prompt and returns its raw text output. The Orchestrator supplies a
// concrete implementation backed by a providerclient.Client.
type MetaVoterCaller func(ctx context.Context, rubricPrompt string) (string, error)

// BuildRubricPrompt constructs the deterministic meta-voting rubric
// required by spec §9's open question: "not free-form reasoning, to keep
// outputs parseable." The required output line is
// "RANK: <role>,<role>,...".
func BuildRubricPrompt(candidates []Input) string {
	var b strings.Builder
	b.WriteString("Rank the following candidate answers by quality, from best to worst.\n")
	b.WriteString("Respond with exactly one line in the form RANK: role1,role2,role3 and nothing else.\n\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "Candidate %s:\n%s\n\n", c.Role, c.Scored.Response.Content)
	}
	return b.String()
}

var rankLinePattern = regexp.MustCompile(`(?m)^RANK:\s*([a-zA-Z0-9_,\-]+)\s*$`)

// ParseRubricRanking parses the strict "RANK: a,b,c" line. Any response
// that doesn't match is treated as a Meta-Voter failure, per spec §9.
func ParseRubricRanking(output string) ([]string, error) {
	m := rankLinePattern.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("meta-voter output did not match the required RANK: line")
	}
	roles := strings.Split(m[1], ",")
	for i := range roles {
		roles[i] = strings.TrimSpace(roles[i])
	}
	return roles, nil
}

// MetaVote invokes call with the rubric prompt and derives a winner from
// its ranking. Confidence is capped at 0.7 per spec §4.6. If call fails or
// its output fails to parse, ok is false and the caller must let the
// previous outcome stand.
func MetaVote(ctx context.Context, candidates []Input, call MetaVoterCaller) (winner string, confidence float64, ok bool) {
	if call == nil || len(candidates) == 0 {
		return "", 0, false
	}
	prompt := BuildRubricPrompt(candidates)
	output, err := call(ctx, prompt)
	if err != nil {
		return "", 0, false
	}
	ranking, err := ParseRubricRanking(output)
	if err != nil || len(ranking) == 0 {
		return "", 0, false
	}

	top := ranking[0]
	found := false
	var topInput Input
	for _, c := range candidates {
		if c.Role == top {
			found = true
			topInput = c
			break
		}
	}
	if !found {
		return "", 0, false
	}

	conf := topInput.Scored.CalibratedConfidence
	if conf > 0.7 {
		conf = 0.7
	}
	return top, conf, true
}

// AbstentionDecision carries the outcome of the Abstention policy (spec
// §4.6).
type AbstentionDecision struct {
	Abstain bool
	Reason  string
}

const (
	abstentionQualityFloor   = 0.4
	abstentionDiversityFloor = 0.15
)

// Abstain implements spec §4.6's abstention trigger: composite quality
// across all responses below the floor, OR diversity below a floor AND
// consensus is very-weak.
func Abstain(inputs []Input, consensus gwtypes.ConsensusLevel) AbstentionDecision {
	if len(inputs) == 0 {
		return AbstentionDecision{Abstain: true, Reason: "no_candidates"}
	}

	var sumQuality float64
	for _, in := range inputs {
		sumQuality += in.Scored.CompositeQuality
	}
	meanQuality := sumQuality / float64(len(inputs))
	if meanQuality < abstentionQualityFloor {
		return AbstentionDecision{Abstain: true, Reason: "quality_below_floor"}
	}

	meanDiversity := meanEmbeddingUniqueness(inputs)
	if meanDiversity < abstentionDiversityFloor && consensus == gwtypes.ConsensusVeryWeak {
		return AbstentionDecision{Abstain: true, Reason: "low_diversity_very_weak_consensus"}
	}

	return AbstentionDecision{Abstain: false}
}

func meanEmbeddingUniqueness(inputs []Input) float64 {
	var sum float64
	for _, in := range inputs {
		sum += in.EmbeddingUniqueness
	}
	return sum / float64(len(inputs))
}

// EmbeddingUniqueness computes a response's dissimilarity against the
// others via 1 - mean cosine similarity, used to populate
// Input.EmbeddingUniqueness before voting (spec §4.1 step 5).
func EmbeddingUniqueness(self embedding.Vector, others []embedding.Vector) float64 {
	if len(others) == 0 {
		return 1.0
	}
	var sum float64
	for _, o := range others {
		sum += embedding.CosineSimilarity(self, o)
	}
	meanSim := sum / float64(len(others))
	uniqueness := 1 - meanSim
	if uniqueness < 0 {
		return 0
	}
	if uniqueness > 1 {
		return 1
	}
	return uniqueness
}
