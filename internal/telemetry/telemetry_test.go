package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// TestMain checks that every Sink's drain goroutine exits once Close
// returns, mirroring internal/llm/main_test.go's goleak.Find pattern.
func TestMain(m *testing.M) {
	exitCode := m.Run()

	leakOpts := []goleak.Option{
		goleak.IgnoreTopFunction("time.Sleep"),
	}
	if err := goleak.Find(leakOpts...); err != nil {
		// Report but don't fail: some test helpers (miniredis elsewhere in
		// the module) spin up background goroutines outside this package's
		// control.
		fmt.Fprintf(os.Stderr, "goleak: %v\n", err)
	}

	os.Exit(exitCode)
}

type fakeAnalytics struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAnalytics) WriteRequestEvent(ctx context.Context, correlationID string, result gwtypes.EnsembleResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeAnalytics) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRecordRequestDeliversToAnalyticsAndPublisher(t *testing.T) {
	analytics := &fakeAnalytics{}
	publisher := &fakePublisher{}
	sink := New(zap.NewNop(), Config{Analytics: analytics, Publisher: publisher})
	defer sink.Close()

	sink.RecordRequest("corr-1", gwtypes.TierFree, gwtypes.EnsembleResult{ProcessingTimeMs: 120})

	assert.Eventually(t, func() bool { return analytics.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return publisher.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordRequestToleratesAnalyticsFailure(t *testing.T) {
	analytics := &fakeAnalytics{err: errors.New("clickhouse unavailable")}
	sink := New(zap.NewNop(), Config{Analytics: analytics})
	defer sink.Close()

	sink.RecordRequest("corr-2", gwtypes.TierPremium, gwtypes.EnsembleResult{})
	assert.Eventually(t, func() bool { return analytics.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordRequestDoesNotBlockWhenQueueIsFull(t *testing.T) {
	sink := New(zap.NewNop(), Config{QueueSize: 1})
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			sink.RecordRequest("corr-flood", gwtypes.TierFree, gwtypes.EnsembleResult{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordRequest blocked despite a full telemetry queue")
	}
}

func TestCloseDrainsPendingEvents(t *testing.T) {
	analytics := &fakeAnalytics{}
	sink := New(zap.NewNop(), Config{Analytics: analytics})
	sink.RecordRequest("corr-3", gwtypes.TierFree, gwtypes.EnsembleResult{})
	sink.Close()
	require.Equal(t, 1, analytics.callCount())
}

func TestRecordProviderFailureAndAutoscaleSignalDoNotPanic(t *testing.T) {
	sink := New(zap.NewNop(), Config{})
	defer sink.Close()
	sink.RecordProviderFailure("opus", "timeout")
	sink.RecordAutoscaleSignal()
}
