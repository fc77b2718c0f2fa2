package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func sample(model string, p float64, actual int) gwtypes.CalibrationSample {
	return gwtypes.CalibrationSample{ModelName: model, PredictedProb: p, Actual: actual, Timestamp: time.Now()}
}

func TestIdentityMapBelowMinSamples(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.RecordSample(ctx, sample("m1", 0.5, 1))
	}
	assert.False(t, s.HasCalibrationMap("m1"))
	assert.Equal(t, 0.73, s.Calibrate("m1", 0.73))
}

func TestCalibrationMapBuildsAfter20Samples(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		p := float64(i%10) / 10.0
		actual := 0
		if p >= 0.5 {
			actual = 1
		}
		s.RecordSample(ctx, sample("m2", p, actual))
	}
	require.True(t, s.HasCalibrationMap("m2"))

	calibrated := s.Calibrate("m2", 0.05)
	assert.GreaterOrEqual(t, calibrated, 0.0)
	assert.LessOrEqual(t, calibrated, 1.0)
}

func TestCalibrateAlwaysClamped(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		s.RecordSample(ctx, sample("m3", float64(i)/30.0, i%2))
	}
	for _, raw := range []float64{-1, 0, 0.5, 1, 2} {
		c := s.Calibrate("m3", raw)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestSampleWindowBounded(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < SampleWindow+50; i++ {
		s.RecordSample(ctx, sample("m4", 0.5, 1))
	}
	assert.LessOrEqual(t, s.SampleCount("m4"), SampleWindow)
}

func TestBrierSummaryEmptyHistoryIsNil(t *testing.T) {
	s := New(nil, nil)
	assert.Nil(t, s.BrierSummary("unknown-model"))
}

func TestBrierSummaryIsMeanOfLast20(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	// perfect predictions first, then all-wrong predictions; summary
	// should reflect only the most recent 20.
	for i := 0; i < 30; i++ {
		s.RecordSample(ctx, sample("m5", 1.0, 1)) // brier 0
	}
	for i := 0; i < 20; i++ {
		s.RecordSample(ctx, sample("m5", 1.0, 0)) // brier 1
	}
	summary := s.BrierSummary("m5")
	require.NotNil(t, summary)
	assert.InDelta(t, 1.0, *summary, 1e-9)
}

func TestReliabilityLabels(t *testing.T) {
	good := 0.15
	assert.Equal(t, gwtypes.ReliabilityGood, ReliabilityLabel(&good))
	assert.Equal(t, gwtypes.ReliabilityPoor, ReliabilityLabel(nil))
}

func TestModelsAreIndependent(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		s.RecordSample(ctx, sample("alpha", 0.9, 1))
	}
	assert.True(t, s.HasCalibrationMap("alpha"))
	assert.False(t, s.HasCalibrationMap("beta"))
}
