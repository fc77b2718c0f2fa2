// Package admission implements the Request Admission Queue from spec
// §4.10: a bounded FIFO with a high/low priority overlay, a non-blocking
// "queue full" refusal gate, deadline-before-admission rejection, and an
// autoscale-signal callback. Grounded on
// internal/concurrency/worker_pool.go's Submit (non-blocking
// select/default "task queue is full" gate, atomic QueuedTasks counter)
// and internal/concurrency/semaphore.go's PrioritySemaphore
// (high-priority channel tried before low-priority).
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vasic-digital/ensemblegateway/internal/gwerrors"
)

// Priority selects which lane a job is admitted through.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Config tunes the admission gate and autoscale signaling thresholds.
type Config struct {
	HighCapacity         int
	LowCapacity          int
	QueueLengthThreshold int
	P95LatencyThreshold  time.Duration
	// OnAutoscaleSignal, if set, is invoked (non-blocking, best effort)
	// when either threshold is crossed on admission.
	OnAutoscaleSignal func(queueLength int, p95 time.Duration)
}

// DefaultConfig matches spec §4.10's defaults.
func DefaultConfig() Config {
	return Config{
		HighCapacity:         5,
		LowCapacity:          10,
		QueueLengthThreshold: 10,
		P95LatencyThreshold:  8 * time.Second,
	}
}

// Job is one admitted unit of work.
type Job struct {
	ID       string
	Priority Priority
	Deadline time.Time
}

// Queue is the bounded FIFO admission gate.
type Queue struct {
	cfg    Config
	high   chan Job
	low    chan Job
	length int64

	latencies *latencyWindow
}

// New builds a Queue.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:       cfg,
		high:      make(chan Job, cfg.HighCapacity),
		low:       make(chan Job, cfg.LowCapacity),
		latencies: newLatencyWindow(128),
	}
}

// Admit attempts to enqueue job. It rejects immediately (no blocking) if
// the job's deadline has already elapsed, or if the lane for its priority
// is full; a job is never placed in the other priority's lane.
func (q *Queue) Admit(job Job) error {
	if !job.Deadline.IsZero() && time.Now().After(job.Deadline) {
		return &gwerrors.AdmissionRefused{Reason: "timeout_before_admission"}
	}

	var target chan Job
	if job.Priority == PriorityHigh {
		target = q.high
	} else {
		target = q.low
	}

	select {
	case target <- job:
		atomic.AddInt64(&q.length, 1)
	default:
		return &gwerrors.AdmissionRefused{Reason: "queue_full"}
	}

	length := int(atomic.LoadInt64(&q.length))
	p95 := q.latencies.p95()
	if q.cfg.OnAutoscaleSignal != nil && (length > q.cfg.QueueLengthThreshold || p95 > q.cfg.P95LatencyThreshold) {
		q.cfg.OnAutoscaleSignal(length, p95)
	}
	return nil
}

// Next blocks (honoring ctx) until a job is available, preferring the
// high-priority lane.
func (q *Queue) Next(ctx context.Context) (Job, error) {
	select {
	case job := <-q.high:
		atomic.AddInt64(&q.length, -1)
		return job, nil
	default:
	}

	select {
	case job := <-q.high:
		atomic.AddInt64(&q.length, -1)
		return job, nil
	case job := <-q.low:
		atomic.AddInt64(&q.length, -1)
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// RecordProcessingTime feeds a completed job's latency into the rolling
// p95 estimate used for autoscale signaling.
func (q *Queue) RecordProcessingTime(d time.Duration) {
	q.latencies.add(d)
}

// Length returns the current combined queue length.
func (q *Queue) Length() int {
	return int(atomic.LoadInt64(&q.length))
}

// latencyWindow is a small fixed-capacity ring buffer used to estimate a
// rolling p95.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *latencyWindow) p95() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
