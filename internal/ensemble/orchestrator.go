// Package ensemble implements the Ensemble Orchestrator from spec §4.1:
// the ten-step pipeline coordinator wiring the Response Cache, parallel
// Provider Client fan-out, Quality Scorer, Calibration Store, Intent
// Classifier, Voter with its escalation policies, Synthesizer, Validator
// and Telemetry Sink into one request lifecycle. Grounded on
// internal/llm/ensemble_test.go's RunEnsembleWithProviders (parallel
// fan-out over a provider interface, partial-failure tolerance,
// highest-score selection, context-aware per-call deadline) reshaped to
// spec's full pipeline; fan-out concurrency uses
// golang.org/x/sync/errgroup, mirroring the donor's errgroup usage
// elsewhere in the Toolkit.
package ensemble

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vasic-digital/ensemblegateway/internal/cache"
	"github.com/vasic-digital/ensemblegateway/internal/calibration"
	"github.com/vasic-digital/ensemblegateway/internal/embedding"
	"github.com/vasic-digital/ensemblegateway/internal/gwerrors"
	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/intent"
	"github.com/vasic-digital/ensemblegateway/internal/providerclient"
	"github.com/vasic-digital/ensemblegateway/internal/scoring"
	"github.com/vasic-digital/ensemblegateway/internal/synthesis"
	"github.com/vasic-digital/ensemblegateway/internal/telemetry"
	"github.com/vasic-digital/ensemblegateway/internal/validation"
	"github.com/vasic-digital/ensemblegateway/internal/votehistory"
	"github.com/vasic-digital/ensemblegateway/internal/voting"
)

// abstentionQualityThreshold is the floor below which, with re-query
// budget remaining, the Orchestrator re-queries once before abstaining
// (spec §4.1 step 7).
const abstentionQualityThreshold = 0.35

// Config wires every dependency the Orchestrator needs for one tier's
// roster. The Orchestrator itself holds no upstream credentials; those
// live on the providerclient.Client values passed in Providers.
type Config struct {
	Providers       []*providerclient.Client
	Cache           *cache.Cache
	Calibration     *calibration.Store
	Embeddings      *embedding.Service
	History         *votehistory.Store
	Sink            *telemetry.Sink
	SynthesisCaller synthesis.ProviderCaller
	MetaVoteCaller  voting.MetaVoterCaller
	ValidationLevel validation.Level
	SynthesisConfig synthesis.Config
	// OverheadBudgetMs is subtracted from the request's deadline, per
	// spec §4.1 step 2, before the fan-out's per-provider invocations are
	// bounded by the result. Zero means the request deadline, if any, is
	// used as-is.
	OverheadBudgetMs int
}

// Orchestrator coordinates the full pipeline for one tier.
type Orchestrator struct {
	cfg     Config
	latency *providerLatencyStats
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, latency: newProviderLatencyStats()}
}

// Run executes the full pipeline from spec §4.1 for one prompt and
// returns the final envelope. err is non-nil only in the caller-visible
// case: zero providers succeeded and there was no usable cache entry.
func (o *Orchestrator) Run(ctx context.Context, p gwtypes.Prompt) (gwtypes.EnsembleResult, error) {
	start := time.Now()

	fp := cache.Fingerprint(p.Tier, p.Text)
	if entry, ok := o.cfg.Cache.Get(ctx, fp); ok {
		return o.fromCacheEntry(entry, p.CorrelationID, start), nil
	}
	if entry, ok := o.cfg.Cache.FindSimilar(p.Tier, p.Text); ok {
		return o.fromCacheEntry(entry, p.CorrelationID, start), nil
	}

	if o.cfg.OverheadBudgetMs > 0 && !p.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, p.Deadline.Add(-time.Duration(o.cfg.OverheadBudgetMs)*time.Millisecond))
		defer cancel()
	}

	responses := o.fanOut(ctx, p)

	fulfilled := make([]gwtypes.ProviderResponse, 0, len(responses))
	var failedRoles []string
	for _, r := range responses {
		if r.Status == gwtypes.StatusFulfilled {
			fulfilled = append(fulfilled, r)
		} else {
			failedRoles = append(failedRoles, r.Role)
		}
	}

	o.recordLatencies(responses)

	if len(fulfilled) == 0 {
		if retried, ok := o.retryFastestHistorical(ctx, p); ok {
			fulfilled = append(fulfilled, retried)
			failedRoles = removeRole(failedRoles, retried.Role)
		} else {
			if o.cfg.Sink != nil {
				for _, role := range failedRoles {
					o.cfg.Sink.RecordProviderFailure(role, "no_response")
				}
			}
			return gwtypes.EnsembleResult{}, &gwerrors.NoProvidersResponded{CorrelationID: p.CorrelationID}
		}
	}

	scoredResponses, embeddings, intentResult, _, outcome, abstainDecision := o.voteOnce(ctx, p.Text, fulfilled)

	if abstainDecision.Abstain {
		if meanComposite(scoredResponses) < abstentionQualityThreshold {
			if retried, ok := o.reQueryEnriched(ctx, p); ok {
				fulfilled = retried.fulfilled
				failedRoles = retried.failedRoles
				scoredResponses, embeddings = retried.scored, retried.embeddings
				intentResult = retried.intentResult
				outcome = retried.outcome
				if retried.abstainDecision.Abstain {
					outcome.Abstained = true
				}
			} else {
				outcome.Abstained = true
			}
		} else {
			outcome.Abstained = true
		}
	}

	var answer gwtypes.SynthesizedAnswer
	var report gwtypes.ValidationReport
	if !outcome.Abstained {
		synCfg := o.cfg.SynthesisConfig
		if synCfg.MaxSections == 0 {
			synCfg = synthesis.DefaultConfig()
		}
		answer = synthesis.Synthesize(ctx, p.Text, fulfilled, intentResult.Primary, synCfg, o.cfg.SynthesisCaller)
		report = validation.Validate(p.Text, answer, fulfilled, o.cfg.ValidationLevel)

		if !report.Passed {
			stricter := synCfg
			stricter.MinSectionQuality += 0.1
			retried := synthesis.Synthesize(ctx, p.Text, fulfilled, intentResult.Primary, stricter, o.cfg.SynthesisCaller)
			retriedReport := validation.Validate(p.Text, retried, fulfilled, o.cfg.ValidationLevel)
			if retriedReport.Passed {
				answer, report = retried, retriedReport
			}
		}
	}

	meanQuality := meanComposite(scoredResponses)

	result := gwtypes.EnsembleResult{
		Synthesis:        answer,
		Roles:            scoredResponses,
		Vote:             outcome,
		Diagnostics:      buildDiagnostics(scoredResponses, embeddings, failedRoles),
		CorrelationID:    p.CorrelationID,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Validation:       report,
	}

	if o.cfg.Cache != nil {
		_ = o.cfg.Cache.Put(ctx, gwtypes.CacheEntry{Fingerprint: fp, Tier: p.Tier, Answer: answer}, meanQuality)
	}
	if o.cfg.History != nil && !outcome.Abstained {
		o.cfg.History.Append(gwtypes.VotingHistoryRecord{
			Winner:              outcome.WinnerRole,
			ParticipatingModels: rolesOf(fulfilled),
			Consensus:           outcome.Consensus,
			ProcessingTimeMs:    result.ProcessingTimeMs,
		})
	}
	if o.cfg.Calibration != nil {
		for _, sr := range scoredResponses {
			outcomeBit := 0
			if sr.Response.Role == outcome.WinnerRole {
				outcomeBit = 1
			}
			o.cfg.Calibration.RecordSample(ctx, gwtypes.CalibrationSample{
				ModelName:     sr.Response.Role,
				PredictedProb: sr.CalibratedConfidence,
				Actual:        outcomeBit,
				Timestamp:     time.Now(),
			})
		}
	}
	if o.cfg.Sink != nil {
		o.cfg.Sink.RecordRequest(p.CorrelationID, p.Tier, result)
	}

	return result, nil
}

func (o *Orchestrator) fromCacheEntry(entry gwtypes.CacheEntry, correlationID string, start time.Time) gwtypes.EnsembleResult {
	return gwtypes.EnsembleResult{
		Synthesis:        entry.Answer,
		CorrelationID:    correlationID,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Cached:           true,
	}
}

// fanOut invokes every configured provider concurrently under its own
// deadline, via errgroup, per spec §4.1 step 3.
func (o *Orchestrator) fanOut(ctx context.Context, p gwtypes.Prompt) []gwtypes.ProviderResponse {
	responses := make([]gwtypes.ProviderResponse, len(o.cfg.Providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, client := range o.cfg.Providers {
		i, client := i, client
		g.Go(func() error {
			responses[i] = client.Invoke(gctx, p.Text)
			return nil
		})
	}
	g.Wait()

	return responses
}

// recordLatencies feeds every fulfilled response's timing into the
// fastest-provider tracker used by retryFastestHistorical.
func (o *Orchestrator) recordLatencies(responses []gwtypes.ProviderResponse) {
	for _, r := range responses {
		if r.Status == gwtypes.StatusFulfilled {
			o.latency.record(r.Role, r.ResponseTimeMs)
		}
	}
}

// retryFastestHistorical implements spec §4.1 step 4 / §7: when the
// initial fan-out yields zero results, retry at most once against the
// single historically fastest provider before surfacing
// NoProvidersResponded.
func (o *Orchestrator) retryFastestHistorical(ctx context.Context, p gwtypes.Prompt) (gwtypes.ProviderResponse, bool) {
	client := o.latency.fastest(o.cfg.Providers)
	if client == nil {
		return gwtypes.ProviderResponse{}, false
	}

	resp := client.Invoke(ctx, p.Text)
	o.latency.record(resp.Role, resp.ResponseTimeMs)
	if resp.Status != gwtypes.StatusFulfilled {
		return gwtypes.ProviderResponse{}, false
	}
	return resp, true
}

func removeRole(roles []string, role string) []string {
	out := roles[:0]
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	return out
}

// providerLatencyStats tracks each role's running mean response time
// across requests, so a zero-fulfilled fan-out can retry against the
// provider that has historically answered fastest.
type providerLatencyStats struct {
	mu    sync.Mutex
	stats map[string]*latencyStat
}

type latencyStat struct {
	count  int
	meanMs float64
}

func newProviderLatencyStats() *providerLatencyStats {
	return &providerLatencyStats{stats: make(map[string]*latencyStat)}
}

func (p *providerLatencyStats) record(role string, ms int64) {
	if role == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[role]
	if !ok {
		st = &latencyStat{}
		p.stats[role] = st
	}
	st.count++
	st.meanMs += (float64(ms) - st.meanMs) / float64(st.count)
}

// fastest returns whichever candidate has the lowest recorded mean
// response time. Candidates with no recorded history yet are treated as
// slower than any candidate with history, and ties fall back to roster
// order; with no history at all for any candidate, the first roster
// entry is returned.
func (p *providerLatencyStats) fastest(candidates []*providerclient.Client) *providerclient.Client {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	best := candidates[0]
	bestMs := math.Inf(1)
	if st, ok := p.stats[best.Spec().Role]; ok {
		bestMs = st.meanMs
	}
	for _, c := range candidates[1:] {
		st, ok := p.stats[c.Spec().Role]
		if !ok {
			continue
		}
		if st.meanMs < bestMs {
			bestMs = st.meanMs
			best = c
		}
	}
	return best
}

// scoreAll runs the Quality Scorer and calibration over every fulfilled
// response, plus embedding-uniqueness against the others, per spec §4.1
// step 5.
func (o *Orchestrator) scoreAll(ctx context.Context, prompt string, fulfilled []gwtypes.ProviderResponse) ([]gwtypes.ScoredResponse, []float64) {
	vectors := make([]embedding.Vector, len(fulfilled))
	for i, r := range fulfilled {
		if o.cfg.Embeddings != nil {
			v, err := o.cfg.Embeddings.Embed(ctx, r.Content)
			if err == nil {
				vectors[i] = v
			}
		}
	}

	scored := make([]gwtypes.ScoredResponse, len(fulfilled))
	uniqueness := make([]float64, len(fulfilled))
	for i, r := range fulfilled {
		semanticCoherence := 0.5
		if vectors[i] != nil {
			promptVec, err := o.cfg.Embeddings.Embed(ctx, prompt)
			if err == nil {
				semanticCoherence = embedding.CosineSimilarity(vectors[i], promptVec)
			}
		}

		sr := scoring.Score(prompt, r.Content, semanticCoherence, scoring.DefaultWeights())
		sr.Response = &fulfilled[i]

		if o.cfg.Calibration != nil {
			sr.CalibratedConfidence = o.cfg.Calibration.Calibrate(r.Role, r.RawConfidence)
		} else {
			sr.CalibratedConfidence = r.RawConfidence
		}

		others := make([]embedding.Vector, 0, len(vectors)-1)
		for j, v := range vectors {
			if j != i && v != nil {
				others = append(others, v)
			}
		}
		if vectors[i] != nil {
			uniqueness[i] = voting.EmbeddingUniqueness(vectors[i], others)
		} else {
			uniqueness[i] = 0.5
		}

		scored[i] = sr
	}

	return scored, uniqueness
}

// escalate implements spec §4.1 step 7's conditional Tie-Breaker and
// Meta-Voter chain, then reports the Abstention decision without acting
// on it: the caller in Run decides whether a re-query is owed first.
func (o *Orchestrator) escalate(ctx context.Context, inputs []voting.Input, outcome gwtypes.VoteOutcome, intentResult gwtypes.IntentResult) (gwtypes.VoteOutcome, voting.AbstentionDecision) {
	margin := voting.Margin(outcome)
	ambiguous := outcome.Consensus == gwtypes.ConsensusVeryWeak || outcome.Consensus == gwtypes.ConsensusWeak || margin <= 0.05

	if ambiguous {
		tb := voting.BreakTie(inputs, historyAdapter{o.cfg.History})
		outcome.WinnerRole = tb.Winner
		outcome.WinnerConfidence = tb.Confidence
		outcome.TieBreakerUsed = true
		outcome.TieBreakStrategy = tb.Strategy
	}

	topWeight := outcome.NormalizedWeights[outcome.WinnerRole]
	if ambiguous || topWeight < 0.45 {
		if winner, conf, ok := voting.MetaVote(ctx, inputs, o.cfg.MetaVoteCaller); ok {
			outcome.WinnerRole = winner
			outcome.WinnerConfidence = conf
			outcome.MetaVoterUsed = true
		}
	}

	return outcome, voting.Abstain(inputs, outcome.Consensus)
}

// voteOnce runs scoring, intent classification, voting and escalation
// over one set of fulfilled responses (spec §4.1 steps 5-7 up to, but
// not including, the Abstention decision's effect).
func (o *Orchestrator) voteOnce(ctx context.Context, promptText string, fulfilled []gwtypes.ProviderResponse) ([]gwtypes.ScoredResponse, []float64, gwtypes.IntentResult, []voting.Input, gwtypes.VoteOutcome, voting.AbstentionDecision) {
	scoredResponses, embeddings := o.scoreAll(ctx, promptText, fulfilled)

	intentResult := intent.Classify(promptText)

	votingInputs := make([]voting.Input, 0, len(scoredResponses))
	for i, sr := range scoredResponses {
		votingInputs = append(votingInputs, voting.Input{
			Role:                sr.Response.Role,
			Scored:              sr,
			IntentAlignment:     intentAlignment(intentResult, sr),
			EmbeddingUniqueness: embeddings[i],
		})
	}

	outcome := voting.Vote(votingInputs, intentResult.Primary, historyAdapter{o.cfg.History})
	outcome, decision := o.escalate(ctx, votingInputs, outcome, intentResult)

	return scoredResponses, embeddings, intentResult, votingInputs, outcome, decision
}

// requeryResult carries a full re-run of the scoring/voting pipeline
// over an enriched prompt.
type requeryResult struct {
	fulfilled       []gwtypes.ProviderResponse
	failedRoles     []string
	scored          []gwtypes.ScoredResponse
	embeddings      []float64
	intentResult    gwtypes.IntentResult
	votingInputs    []voting.Input
	outcome         gwtypes.VoteOutcome
	abstainDecision voting.AbstentionDecision
}

// reQueryEnriched implements spec §4.1 step 7's "re-query once with an
// enriched prompt" branch: a fresh fan-out over a clarified prompt,
// rescored and revoted the same way as the initial attempt. Called at
// most once per request.
func (o *Orchestrator) reQueryEnriched(ctx context.Context, p gwtypes.Prompt) (requeryResult, bool) {
	enriched := p
	enriched.Text = enrichPrompt(p.Text)

	responses := o.fanOut(ctx, enriched)
	o.recordLatencies(responses)

	fulfilled := make([]gwtypes.ProviderResponse, 0, len(responses))
	var failedRoles []string
	for _, r := range responses {
		if r.Status == gwtypes.StatusFulfilled {
			fulfilled = append(fulfilled, r)
		} else {
			failedRoles = append(failedRoles, r.Role)
		}
	}
	if len(fulfilled) == 0 {
		return requeryResult{}, false
	}

	scored, embeddings, intentResult, votingInputs, outcome, decision := o.voteOnce(ctx, enriched.Text, fulfilled)
	return requeryResult{
		fulfilled:       fulfilled,
		failedRoles:     failedRoles,
		scored:          scored,
		embeddings:      embeddings,
		intentResult:    intentResult,
		votingInputs:    votingInputs,
		outcome:         outcome,
		abstainDecision: decision,
	}, true
}

// enrichPrompt appends a clarifying instruction so a re-query has a
// genuinely different prompt to answer against, not a verbatim repeat.
func enrichPrompt(text string) string {
	return text + "\n\nThe previous answer lacked sufficient quality or confidence. Please provide a more detailed, specific and directly responsive answer."
}

func intentAlignment(result gwtypes.IntentResult, sr gwtypes.ScoredResponse) float64 {
	if score, ok := result.Scores[result.Primary]; ok {
		return score
	}
	return 0.5
}

func meanComposite(scored []gwtypes.ScoredResponse) float64 {
	if len(scored) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scored {
		sum += s.CompositeQuality
	}
	return sum / float64(len(scored))
}

func rolesOf(responses []gwtypes.ProviderResponse) []string {
	roles := make([]string, len(responses))
	for i, r := range responses {
		roles[i] = r.Role
	}
	return roles
}

func buildDiagnostics(scored []gwtypes.ScoredResponse, uniqueness []float64, failedRoles []string) gwtypes.Diagnostics {
	matrix := make(map[string]map[string]float64, len(scored))
	calibProb := make(map[string]float64, len(scored))
	toxicity := make(map[string]float64, len(scored))
	readability := make(map[string]float64, len(scored))
	semanticQuality := make(map[string]float64, len(scored))

	for i, sr := range scored {
		role := sr.Response.Role
		calibProb[role] = sr.CalibratedConfidence
		toxicity[role] = sr.Toxicity
		readability[role] = sr.Readability
		semanticQuality[role] = sr.CompositeQuality
		matrix[role] = map[string]float64{"uniqueness": uniqueness[i]}
	}

	sort.Strings(failedRoles)
	return gwtypes.Diagnostics{
		EmbeddingSimilarityMatrix: matrix,
		ModelCalibratedProb:       calibProb,
		ToxicityScore:             toxicity,
		Readability:               readability,
		SemanticQuality:           semanticQuality,
		TimedOutRoles:             failedRoles,
	}
}

// historyAdapter lets a possibly-nil *votehistory.Store satisfy
// votehistory.HistoricalWeightsProvider without every call site needing
// a nil check.
type historyAdapter struct {
	store *votehistory.Store
}

func (h historyAdapter) Multiplier(role string) float64 {
	if h.store == nil {
		return 1.0
	}
	return h.store.Multiplier(role)
}
