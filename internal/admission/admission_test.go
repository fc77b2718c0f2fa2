package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/gwerrors"
)

func TestAdmitAndNextRoundTrip(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.Admit(Job{ID: "a", Priority: PriorityLow}))

	job, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)
}

func TestAdmitRejectsPastDeadline(t *testing.T) {
	q := New(DefaultConfig())
	err := q.Admit(Job{ID: "late", Deadline: time.Now().Add(-time.Second)})
	require.Error(t, err)

	var ar *gwerrors.AdmissionRefused
	require.True(t, errors.As(err, &ar))
	assert.Equal(t, "timeout_before_admission", ar.Reason)
}

func TestAdmitRejectsWhenLaneFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LowCapacity = 1
	q := New(cfg)

	require.NoError(t, q.Admit(Job{ID: "first", Priority: PriorityLow}))
	err := q.Admit(Job{ID: "second", Priority: PriorityLow})
	require.Error(t, err)

	var ar *gwerrors.AdmissionRefused
	require.True(t, errors.As(err, &ar))
	assert.Equal(t, "queue_full", ar.Reason)
}

func TestNextPrefersHighPriority(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.Admit(Job{ID: "low", Priority: PriorityLow}))
	require.NoError(t, q.Admit(Job{ID: "high", Priority: PriorityHigh}))

	job, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "high", job.ID)
}

func TestNextHonorsContextCancellation(t *testing.T) {
	q := New(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.Error(t, err)
}

func TestAutoscaleSignalFiresPastQueueLengthThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LowCapacity = 10
	cfg.QueueLengthThreshold = 2
	fired := false
	cfg.OnAutoscaleSignal = func(length int, p95 time.Duration) { fired = true }
	q := New(cfg)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Admit(Job{ID: "job", Priority: PriorityLow}))
	}
	assert.True(t, fired)
}

func TestLengthTracksAdmitAndNext(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.Admit(Job{ID: "a", Priority: PriorityLow}))
	assert.Equal(t, 1, q.Length())

	_, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Length())
}

func TestLatencyWindowP95(t *testing.T) {
	w := newLatencyWindow(10)
	for i := 1; i <= 10; i++ {
		w.add(time.Duration(i) * time.Millisecond)
	}
	p95 := w.p95()
	assert.GreaterOrEqual(t, p95, 8*time.Millisecond)
}
