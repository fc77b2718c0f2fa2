// Package voting implements the Voter from spec §4.3: a five-component
// weighted scoring of ScoredResponses, intent-adjusted weight tables, a
// historical-performance multiplier and diversity bonus, normalization to
// sum to 1, and the consensus-label derivation. Grounded on
// internal/debate/voting/weighted_voting_test.go (WeightedVotingSystem,
// consensus-as-a-float, tie-break constants) since the donor's own
// weighted_voting.go production source is absent from the retrieval pack
// in this module's scope; reshaped here to spec's exact weight table and
// consensus thresholds rather than the donor's MiniMax-style formula.
package voting

import (
	"sort"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/votehistory"
)

// Weights is the five-component weight table from spec §4.3.
type Weights struct {
	ContentQuality       float64
	CalibratedConfidence float64
	IntentAlignment      float64
	Structure            float64
	ResponseTime         float64
}

// DefaultWeights matches spec §4.3's default table.
func DefaultWeights() Weights {
	return Weights{
		ContentQuality:       0.40,
		CalibratedConfidence: 0.25,
		IntentAlignment:      0.20,
		Structure:            0.10,
		ResponseTime:         0.05,
	}
}

// WeightsForIntent applies the static per-intent adjustment table (spec
// §4.3: "e.g. technical raises content-quality to 0.50 and zeroes
// response-time").
func WeightsForIntent(intent gwtypes.IntentClass) Weights {
	w := DefaultWeights()
	switch intent {
	case gwtypes.IntentTechnical:
		w.ContentQuality = 0.50
		w.ResponseTime = 0
		w.CalibratedConfidence = 0.25
		w.IntentAlignment = 0.20
		w.Structure = 0.05
	case gwtypes.IntentFactual:
		w.CalibratedConfidence = 0.35
		w.ContentQuality = 0.35
		w.IntentAlignment = 0.20
		w.Structure = 0.05
		w.ResponseTime = 0.05
	case gwtypes.IntentCreative:
		w.ContentQuality = 0.45
		w.Structure = 0.20
		w.CalibratedConfidence = 0.15
		w.IntentAlignment = 0.15
		w.ResponseTime = 0.05
	case gwtypes.IntentComparative:
		w.ContentQuality = 0.40
		w.IntentAlignment = 0.30
		w.CalibratedConfidence = 0.20
		w.Structure = 0.10
		w.ResponseTime = 0
	}
	return w
}

const fastThresholdMs = 2000.0
const diversityCoefficient = 0.1

// responseTimeScore is min(1, fast_threshold / rt) from spec §4.3.
func responseTimeScore(responseTimeMs int64) float64 {
	if responseTimeMs <= 0 {
		return 1.0
	}
	score := fastThresholdMs / float64(responseTimeMs)
	if score > 1 {
		return 1
	}
	return score
}

// Input is one fulfilled response's scores plus its intent-alignment
// score (supplied by the Orchestrator from the Intent Classifier output)
// and its embedding uniqueness relative to the other responses.
type Input struct {
	Role                string
	Scored              gwtypes.ScoredResponse
	IntentAlignment     float64
	EmbeddingUniqueness float64
}

// Vote runs the full weighted vote over inputs and returns a VoteOutcome.
// hist may be nil, in which case no historical multiplier is applied
// (treated as 1.0 for every role).
func Vote(inputs []Input, intent gwtypes.IntentClass, hist votehistory.HistoricalWeightsProvider) gwtypes.VoteOutcome {
	if len(inputs) == 0 {
		return gwtypes.VoteOutcome{Abstained: true}
	}

	if len(inputs) == 1 {
		role := inputs[0].Role
		return gwtypes.VoteOutcome{
			WinnerRole:        role,
			NormalizedWeights: map[string]float64{role: 1.0},
			Consensus:         gwtypes.ConsensusWeak,
			WinnerConfidence:  inputs[0].Scored.CalibratedConfidence,
			Contributions: map[string]gwtypes.ComponentContribution{
				role: {ContentQuality: inputs[0].Scored.CompositeQuality},
			},
		}
	}

	allEmpty := true
	for _, in := range inputs {
		if in.Scored.Response != nil && in.Scored.Response.Content != "" {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		return gwtypes.VoteOutcome{Abstained: true}
	}

	w := WeightsForIntent(intent)

	rawScores := make(map[string]float64, len(inputs))
	contributions := make(map[string]gwtypes.ComponentContribution, len(inputs))

	for _, in := range inputs {
		rt := responseTimeScore(in.Scored.Response.ResponseTimeMs)

		base := w.ContentQuality*in.Scored.CompositeQuality +
			w.CalibratedConfidence*in.Scored.CalibratedConfidence +
			w.IntentAlignment*in.IntentAlignment +
			w.Structure*in.Scored.Structure +
			w.ResponseTime*rt

		multiplier := 1.0
		if hist != nil {
			multiplier = hist.Multiplier(in.Role)
		}
		diversityBonus := in.EmbeddingUniqueness * diversityCoefficient

		final := base*multiplier + diversityBonus
		rawScores[in.Role] = final

		contributions[in.Role] = gwtypes.ComponentContribution{
			ContentQuality:       w.ContentQuality * in.Scored.CompositeQuality,
			CalibratedConfidence: w.CalibratedConfidence * in.Scored.CalibratedConfidence,
			IntentAlignment:      w.IntentAlignment * in.IntentAlignment,
			Structure:            w.Structure * in.Scored.Structure,
			ResponseTime:         w.ResponseTime * rt,
			HistoricalMultiplier: multiplier,
			DiversityBonus:       diversityBonus,
		}
	}

	normalized := normalize(rawScores)

	type ranked struct {
		role   string
		weight float64
	}
	rankedList := make([]ranked, 0, len(normalized))
	for role, weight := range normalized {
		rankedList = append(rankedList, ranked{role, weight})
	}
	sort.Slice(rankedList, func(i, j int) bool {
		if rankedList[i].weight == rankedList[j].weight {
			return rankedList[i].role < rankedList[j].role
		}
		return rankedList[i].weight > rankedList[j].weight
	})

	top := rankedList[0]
	margin := top.weight
	if len(rankedList) > 1 {
		margin = top.weight - rankedList[1].weight
	}

	winnerConfidence := 0.0
	for _, in := range inputs {
		if in.Role == top.role {
			winnerConfidence = in.Scored.CalibratedConfidence
			break
		}
	}

	return gwtypes.VoteOutcome{
		WinnerRole:        top.role,
		NormalizedWeights: normalized,
		Consensus:         consensusLabel(top.weight, margin),
		WinnerConfidence:  winnerConfidence,
		Contributions:     contributions,
	}
}

func normalize(raw map[string]float64) map[string]float64 {
	var sum float64
	for _, v := range raw {
		if v < 0 {
			v = 0
		}
		sum += v
	}
	out := make(map[string]float64, len(raw))
	if sum <= 0 {
		// All weights degenerate to zero: fall back to a uniform split so
		// the invariant "weights sum to 1, all >= 0" always holds.
		share := 1.0 / float64(len(raw))
		for role := range raw {
			out[role] = share
		}
		return out
	}
	for role, v := range raw {
		if v < 0 {
			v = 0
		}
		out[role] = v / sum
	}
	return out
}

// consensusLabel derives the qualitative label from spec §4.3's table.
func consensusLabel(top, margin float64) gwtypes.ConsensusLevel {
	switch {
	case top >= 0.70 && margin >= 0.30:
		return gwtypes.ConsensusVeryStrong
	case top >= 0.60 && margin >= 0.20:
		return gwtypes.ConsensusStrong
	case top >= 0.45:
		return gwtypes.ConsensusModerate
	case top >= 0.35:
		return gwtypes.ConsensusWeak
	default:
		return gwtypes.ConsensusVeryWeak
	}
}

// Margin returns the gap between the top two normalized weights, used by
// the Orchestrator to decide whether to escalate to the Tie-Breaker
// (spec §4.1 step 7: "score spread between top two ≤ 0.05").
func Margin(outcome gwtypes.VoteOutcome) float64 {
	if len(outcome.NormalizedWeights) < 2 {
		return 1.0
	}
	weights := make([]float64, 0, len(outcome.NormalizedWeights))
	for _, w := range outcome.NormalizedWeights {
		weights = append(weights, w)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
	return weights[0] - weights[1]
}
