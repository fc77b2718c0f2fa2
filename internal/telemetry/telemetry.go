// Package telemetry implements the Telemetry Sink: structured logging,
// Prometheus counters/histograms, and async ClickHouse analytics plus
// Kafka event publishing, none of which may block the request path per
// spec §5 ("the sink drains asynchronously and MUST NOT block the
// request path"). Grounded on
// internal/concurrency/worker_pool.go's channel-drain goroutine and
// non-blocking result send (select/default, drop-on-full); libraries
// go.uber.org/zap, github.com/prometheus/client_golang,
// github.com/segmentio/kafka-go, github.com/ClickHouse/clickhouse-go/v2.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ensemblegateway_requests_total", Help: "completed ensemble requests"},
		[]string{"tier", "outcome"},
	)
	processingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "ensemblegateway_processing_ms", Help: "end-to-end processing time in milliseconds", Buckets: prometheus.ExponentialBuckets(50, 2, 12)},
		[]string{"tier"},
	)
	providerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ensemblegateway_provider_failures_total", Help: "provider client failures"},
		[]string{"role", "kind"},
	)
	autoscaleSignals = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ensemblegateway_autoscale_signals_total", Help: "admission queue autoscale signals emitted"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, processingDuration, providerFailures, autoscaleSignals)
}

// event is one analytics record destined for ClickHouse and/or Kafka.
type event struct {
	kind string
	data interface{}
}

// AnalyticsWriter persists a batch-friendly analytics row. A concrete
// implementation wraps a ClickHouse connection.
type AnalyticsWriter interface {
	WriteRequestEvent(ctx context.Context, correlationID string, result gwtypes.EnsembleResult) error
}

// EventPublisher publishes a fire-and-forget domain event. A concrete
// implementation wraps a Kafka writer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
}

// KafkaPublisher adapts *kafka.Writer to EventPublisher.
type KafkaPublisher struct {
	Writer *kafka.Writer
}

// Publish implements EventPublisher.
func (k *KafkaPublisher) Publish(ctx context.Context, topic string, key string, value []byte) error {
	return k.Writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value})
}

// Sink is the Telemetry Sink: a lock-free-from-the-caller's-perspective
// MPSC channel drained by a single background goroutine, per spec §5.
type Sink struct {
	logger    *zap.Logger
	analytics AnalyticsWriter
	publisher EventPublisher
	events    chan event
	done      chan struct{}
}

// Config configures the Sink's channel capacity and optional back-ends.
type Config struct {
	QueueSize  int
	Analytics  AnalyticsWriter
	Publisher  EventPublisher
	KafkaTopic string
}

// New builds a Sink and starts its drain loop. Analytics and Publisher
// may be nil, in which case the corresponding side effects are skipped.
func New(logger *zap.Logger, cfg Config) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "ensemblegateway.requests"
	}
	s := &Sink{
		logger:    logger,
		analytics: cfg.Analytics,
		publisher: cfg.Publisher,
		events:    make(chan event, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go s.drain(cfg.KafkaTopic)
	return s
}

// RecordRequest is called once per completed request on the hot path. It
// updates Prometheus metrics synchronously (cheap, in-process) and
// enqueues the analytics/event side effects, dropping them silently if
// the sink is backed up rather than blocking the caller.
func (s *Sink) RecordRequest(correlationID string, tier gwtypes.Tier, result gwtypes.EnsembleResult) {
	outcome := "success"
	if result.Vote.Abstained {
		outcome = "abstained"
	}
	requestsTotal.WithLabelValues(string(tier), outcome).Inc()
	processingDuration.WithLabelValues(string(tier)).Observe(float64(result.ProcessingTimeMs))

	s.logger.Info("ensemble request completed",
		zap.String("correlation_id", correlationID),
		zap.String("tier", string(tier)),
		zap.String("winner", result.Vote.WinnerRole),
		zap.Int64("processing_ms", result.ProcessingTimeMs),
		zap.Bool("cached", result.Cached),
	)

	s.enqueue(event{kind: "request", data: requestEventPayload{correlationID: correlationID, result: result}})
}

// RecordProviderFailure increments the per-role/per-kind failure
// counter. The Orchestrator calls it, once per failed role with kind
// "no_response", only when no provider responded even after its retry.
func (s *Sink) RecordProviderFailure(role, kind string) {
	providerFailures.WithLabelValues(role, kind).Inc()
}

// RecordAutoscaleSignal increments the autoscale-signal counter, fed by
// the Admission Queue's OnAutoscaleSignal callback.
func (s *Sink) RecordAutoscaleSignal() {
	autoscaleSignals.Inc()
}

type requestEventPayload struct {
	correlationID string
	result        gwtypes.EnsembleResult
}

// enqueue is the non-blocking send described in spec §5: the sink MUST
// NOT block the request path, so a full queue just drops the event.
func (s *Sink) enqueue(e event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("telemetry queue full, dropping event", zap.String("kind", e.kind))
	}
}

func (s *Sink) drain(kafkaTopic string) {
	for e := range s.events {
		s.handle(kafkaTopic, e)
	}
	close(s.done)
}

func (s *Sink) handle(kafkaTopic string, e event) {
	payload, ok := e.data.(requestEventPayload)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.analytics != nil {
		if err := s.analytics.WriteRequestEvent(ctx, payload.correlationID, payload.result); err != nil {
			s.logger.Warn("analytics write failed", zap.Error(err), zap.String("correlation_id", payload.correlationID))
		}
	}

	if s.publisher != nil {
		value, err := json.Marshal(payload.result)
		if err == nil {
			if err := s.publisher.Publish(ctx, kafkaTopic, payload.correlationID, value); err != nil {
				s.logger.Warn("event publish failed", zap.Error(err), zap.String("correlation_id", payload.correlationID))
			}
		}
	}
}

// Close stops accepting new events and waits for the drain loop to
// finish processing what's already queued.
func (s *Sink) Close() {
	close(s.events)
	<-s.done
}
