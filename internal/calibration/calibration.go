// Package calibration implements the Calibration Subsystem from spec
// §4.5: per-model rolling windows of CalibrationSamples, piecewise bin
// calibration maps rebuilt every 10 samples (or on the first sample
// recorded 6 hours or more after the last rebuild), and rolling Brier
// scores. No donor production source exists for the calibration algorithm
// itself (see DESIGN.md); the persistence shape is grounded on
// internal/database/db.go's pgxpool pattern. Per-model writes are
// serialized by a per-model mutex per §4.5's "at-most-one-in-flight per
// model" requirement, and golang.org/x/sync/singleflight collapses
// concurrent rebuilds of the same model, in the donor's general
// mutex-per-resource concurrency idiom (internal/concurrency/semaphore.go).
package calibration

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

const (
	// SampleWindow is the default rolling sample window size per model.
	SampleWindow = 500
	// BrierWindow is the default rolling Brier-score window size per model.
	BrierWindow = 100
	// BrierSummaryCount is how many of the most recent Brier scores feed
	// the summary.
	BrierSummaryCount = 20
	// RebuildEvery triggers a calibration-map rebuild every N new samples.
	RebuildEvery = 10
	// RebuildCadence makes a rebuild due, regardless of sample count, once
	// this long has passed since the last one; the check runs only when a
	// sample is recorded.
	RebuildCadence = 6 * time.Hour
	// MinSamplesForMap is the minimum sample count before a calibration
	// map is considered available; below it, the identity map applies.
	MinSamplesForMap = 20
	// DefaultBins is the default bin count for a calibration map.
	DefaultBins = 10
)

// modelState holds one model's mutable calibration state, guarded by mu
// so reads observe either the pre- or post-update state, never a torn
// one, per spec §4.5's concurrency requirement.
type modelState struct {
	mu               sync.RWMutex
	samples          []gwtypes.CalibrationSample
	brier            []float64
	brierTimes       []time.Time
	calibrationMap   *gwtypes.CalibrationMap
	lastRebuilt      time.Time
	samplesSinceBuild int
}

// Persister is the optional durable backing store for calibration
// samples, consulted asynchronously; calibration is fully usable without
// one (spec §6: "When the store is unavailable, the service degrades to
// in-memory-only").
type Persister interface {
	AppendSample(ctx context.Context, s gwtypes.CalibrationSample) error
}

// Store is the in-memory Calibration Store, optionally backed by a
// Persister.
type Store struct {
	mu       sync.Mutex
	models   map[string]*modelState
	group    singleflight.Group
	persist  Persister
	onDegrade func(error)
}

// New builds a Store. persist may be nil for a purely in-memory store.
func New(persist Persister, onDegrade func(error)) *Store {
	return &Store{
		models:    make(map[string]*modelState),
		persist:   persist,
		onDegrade: onDegrade,
	}
}

func (s *Store) stateFor(model string) *modelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.models[model]
	if !ok {
		ms = &modelState{}
		s.models[model] = ms
	}
	return ms
}

// RecordSample appends a CalibrationSample for model, evicting the oldest
// sample once the rolling window is full, and triggers a calibration-map
// rebuild if due. actual is an opaque caller-supplied 0|1: this store does
// not infer "did this model win the vote" on the caller's behalf (spec
// §9 open question — exposed explicitly here rather than inferred).
// Writes for a single model are serialized by that model's mutex, and
// singleflight keeps at most one rebuild in flight per model at a time;
// other models proceed concurrently.
func (s *Store) RecordSample(ctx context.Context, sample gwtypes.CalibrationSample) {
	ms := s.stateFor(sample.ModelName)

	// The per-model mutex below is the actual "at-most-one-in-flight
	// write" serialization point; it is NOT a singleflight.Do because
	// singleflight would drop this sample's write if a rebuild for the
	// same model happened to be in flight (duplicate callers receive the
	// first caller's result without running their own function).
	ms.mu.Lock()
	ms.samples = append(ms.samples, sample)
	if len(ms.samples) > SampleWindow {
		ms.samples = ms.samples[len(ms.samples)-SampleWindow:]
	}

	brier := brierScore(sample.PredictedProb, sample.Actual)
	ms.brier = append(ms.brier, brier)
	ms.brierTimes = append(ms.brierTimes, sample.Timestamp)
	if len(ms.brier) > BrierWindow {
		ms.brier = ms.brier[len(ms.brier)-BrierWindow:]
		ms.brierTimes = ms.brierTimes[len(ms.brierTimes)-BrierWindow:]
	}

	ms.samplesSinceBuild++
	due := ms.samplesSinceBuild >= RebuildEvery || time.Since(ms.lastRebuilt) >= RebuildCadence
	samplesCopy := append([]gwtypes.CalibrationSample(nil), ms.samples...)
	ms.mu.Unlock()

	if due {
		// Concurrent RecordSample calls for the same model can each
		// observe "due" before the first rebuild lands; singleflight
		// collapses those into a single rebuild computation, which is
		// safe here because rebuild is a pure function of a samples
		// snapshot, not a write that could be silently dropped.
		s.group.Do(sample.ModelName, func() (interface{}, error) {
			s.rebuild(sample.ModelName, samplesCopy)
			return nil, nil
		})
	}

	if s.persist != nil {
		if err := s.persist.AppendSample(ctx, sample); err != nil && s.onDegrade != nil {
			s.onDegrade(err)
		}
	}
}

func brierScore(predicted float64, actual int) float64 {
	d := predicted - float64(actual)
	return d * d
}

func (s *Store) rebuild(model string, samples []gwtypes.CalibrationSample) {
	ms := s.stateFor(model)
	if len(samples) < MinSamplesForMap {
		return
	}

	m := buildMap(model, samples, DefaultBins)

	ms.mu.Lock()
	ms.calibrationMap = &m
	ms.lastRebuilt = time.Now()
	ms.samplesSinceBuild = 0
	ms.mu.Unlock()
}

// buildMap sorts samples by predicted probability and partitions them
// into numBins equal-count bins, per spec §4.5.
func buildMap(model string, samples []gwtypes.CalibrationSample, numBins int) gwtypes.CalibrationMap {
	sorted := append([]gwtypes.CalibrationSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PredictedProb < sorted[j].PredictedProb })

	n := len(sorted)
	if numBins > n {
		numBins = n
	}
	if numBins < 1 {
		numBins = 1
	}

	bins := make([]gwtypes.CalibrationBin, 0, numBins)
	base := n / numBins
	extra := n % numBins

	idx := 0
	for b := 0; b < numBins; b++ {
		size := base
		if b < extra {
			size++
		}
		if size == 0 {
			continue
		}
		chunk := sorted[idx : idx+size]
		idx += size

		var sumPred, sumActual float64
		for _, c := range chunk {
			sumPred += c.PredictedProb
			sumActual += float64(c.Actual)
		}
		bins = append(bins, gwtypes.CalibrationBin{
			Lo:            chunk[0].PredictedProb,
			Hi:            chunk[len(chunk)-1].PredictedProb,
			MeanPredicted: sumPred / float64(len(chunk)),
			MeanActual:    sumActual / float64(len(chunk)),
			Count:         len(chunk),
		})
	}

	return gwtypes.CalibrationMap{ModelName: model, Bins: bins, BuiltAt: time.Now()}
}

// Calibrate converts a raw probability into a calibrated one for model.
// Below MinSamplesForMap observations the identity map applies (spec
// §4.5). The bin lookup is half-open at the high end, closed at the low
// end; outside the observed range it clamps to the nearest bin's
// mean_actual (spec's documented, non-extrapolating choice — see
// DESIGN.md's open-question decision).
func (s *Store) Calibrate(model string, raw float64) float64 {
	raw = clamp01(raw)

	ms := s.stateFor(model)
	ms.mu.RLock()
	m := ms.calibrationMap
	ms.mu.RUnlock()

	if m == nil || len(m.Bins) == 0 {
		return raw
	}

	for i, bin := range m.Bins {
		isLast := i == len(m.Bins)-1
		if raw >= bin.Lo && (raw < bin.Hi || isLast && raw <= bin.Hi) {
			return clamp01(bin.MeanActual)
		}
	}

	if raw < m.Bins[0].Lo {
		return clamp01(m.Bins[0].MeanActual)
	}
	return clamp01(m.Bins[len(m.Bins)-1].MeanActual)
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

// BrierSummary returns the mean of the most recent min(20, history-size)
// Brier scores for model, or nil if there is no history yet.
func (s *Store) BrierSummary(model string) *float64 {
	ms := s.stateFor(model)
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if len(ms.brier) == 0 {
		return nil
	}
	n := BrierSummaryCount
	if n > len(ms.brier) {
		n = len(ms.brier)
	}
	recent := ms.brier[len(ms.brier)-n:]
	var sum float64
	for _, b := range recent {
		sum += b
	}
	mean := sum / float64(n)
	return &mean
}

// ReliabilityLabel maps a Brier summary to the qualitative label from
// spec §3.
func ReliabilityLabel(summary *float64) gwtypes.ReliabilityLabel {
	if summary == nil {
		return gwtypes.ReliabilityPoor
	}
	switch {
	case *summary <= 0.1:
		return gwtypes.ReliabilityExcellent
	case *summary <= 0.2:
		return gwtypes.ReliabilityGood
	case *summary <= 0.3:
		return gwtypes.ReliabilityFair
	default:
		return gwtypes.ReliabilityPoor
	}
}

// SampleCount reports how many samples are currently retained for model,
// for tests asserting the ≤500 invariant.
func (s *Store) SampleCount(model string) int {
	ms := s.stateFor(model)
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.samples)
}

// HasCalibrationMap reports whether model currently has a built map.
func (s *Store) HasCalibrationMap(model string) bool {
	ms := s.stateFor(model)
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.calibrationMap != nil
}
