// Command gatewayd bootstraps the ensemble gateway's process: it loads
// tier configuration, wires every backing store and pipeline stage, and
// runs the admission-gated request loop that an external HTTP layer
// (out of scope here, per §6) would sit in front of. Grounded on
// cmd/superagent/main.go's bootstrap shape (flag-driven options, a
// logrus.Logger threaded through startup, a run function separated from
// main so it's testable, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/ensemblegateway/internal/admission"
	"github.com/vasic-digital/ensemblegateway/internal/analytics"
	"github.com/vasic-digital/ensemblegateway/internal/cache"
	"github.com/vasic-digital/ensemblegateway/internal/calibration"
	"github.com/vasic-digital/ensemblegateway/internal/costestimate"
	"github.com/vasic-digital/ensemblegateway/internal/embedding"
	"github.com/vasic-digital/ensemblegateway/internal/ensemble"
	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
	"github.com/vasic-digital/ensemblegateway/internal/obslog"
	"github.com/vasic-digital/ensemblegateway/internal/providerclient"
	"github.com/vasic-digital/ensemblegateway/internal/synthesis"
	"github.com/vasic-digital/ensemblegateway/internal/telemetry"
	"github.com/vasic-digital/ensemblegateway/internal/tierconfig"
	"github.com/vasic-digital/ensemblegateway/internal/validation"
	"github.com/vasic-digital/ensemblegateway/internal/votehistory"
	"github.com/vasic-digital/ensemblegateway/internal/voting"
)

var (
	configPath = flag.String("config", "config/tiers.yaml", "Path to tier configuration file (YAML)")
	version    = flag.Bool("version", false, "Show version information")
	help       = flag.Bool("help", false, "Show help message")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// Gateway holds one Orchestrator per tier plus the shared admission queue
// that external callers are expected to submit through.
type Gateway struct {
	bootLog       *logrus.Logger
	tiers         *tierconfig.Store
	queue         *admission.Queue
	orchestrators map[gwtypes.Tier]*ensemble.Orchestrator
	sink          *telemetry.Sink

	mu      sync.Mutex
	pending map[string]gwtypes.Prompt

	closers []func() error
}

func newGateway(bootLog *logrus.Logger) (*Gateway, error) {
	store, err := tierconfig.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("loading tier configuration: %w", err)
	}
	if err := store.Watch(func(err error) {
		bootLog.WithError(err).Warn("tier configuration reload failed, keeping last good document")
	}); err != nil {
		bootLog.WithError(err).Warn("tier configuration watcher unavailable, hot reload disabled")
	}

	gw := &Gateway{
		bootLog:       bootLog,
		tiers:         store,
		orchestrators: make(map[gwtypes.Tier]*ensemble.Orchestrator),
		pending:       make(map[string]gwtypes.Prompt),
	}

	requestLogger, err := obslog.NewRequestLogger(requestLoggerMode())
	if err != nil {
		return nil, fmt.Errorf("building request logger: %w", err)
	}

	sinkCfg := telemetry.Config{}
	if writer, err := connectClickHouse(bootLog); err != nil {
		bootLog.WithError(err).Warn("clickhouse analytics unavailable, telemetry degrades to logs+metrics only")
	} else if writer != nil {
		sinkCfg.Analytics = writer
		gw.closers = append(gw.closers, writer.Close)
	}
	if publisher := connectKafka(bootLog); publisher != nil {
		sinkCfg.Publisher = publisher
		gw.closers = append(gw.closers, publisher.Writer.Close)
	}
	gw.sink = telemetry.New(requestLogger, sinkCfg)

	queueCfg := admission.DefaultConfig()
	queueCfg.OnAutoscaleSignal = func(int, time.Duration) { gw.sink.RecordAutoscaleSignal() }
	gw.queue = admission.New(queueCfg)

	redisClient := connectRedis(bootLog)
	if redisClient != nil {
		gw.closers = append(gw.closers, redisClient.Close)
	}

	persister, err := connectCalibrationStore(bootLog)
	if err != nil {
		bootLog.WithError(err).Warn("calibration persistence unavailable, degrading to in-memory-only")
	}
	calibrationStore := calibration.New(persister, func(err error) {
		bootLog.WithError(err).Warn("calibration store degraded")
	})

	embeddingStore := connectEmbeddingStore(bootLog)
	embeddingService := embedding.New(100000, embeddingStore)

	voteHistory := votehistory.New()
	sharedCache := cache.New(cache.DefaultConfig(), redisClient)

	doc := store.Get()
	for tierName, tierSpec := range doc.Tiers {
		clients := buildProviderClients(tierSpec)

		synCfg := synthesis.DefaultConfig()
		if doc.Synthesis.RedundancyThreshold > 0 {
			synCfg.RedundancyThreshold = doc.Synthesis.RedundancyThreshold
		}

		synClient := findProviderClient(clients, doc.Synthesis.SynthesisRole)
		if synClient == nil {
			synClient = findProviderClientByModel(clients, doc.Synthesis.SynthesisModel)
		}

		var synthesisCaller synthesis.ProviderCaller
		var metaVoteCaller voting.MetaVoterCaller
		if synClient != nil {
			synthesisCaller = providerCallFunc(synClient)
			metaVoteCaller = providerCallFunc(synClient)
		} else {
			bootLog.WithField("tier", tierName).WithField("synthesis_role", doc.Synthesis.SynthesisRole).
				Warn("configured synthesis role/model not found in tier roster, synthesis falls back to template concatenation")
		}

		gw.orchestrators[tierName] = ensemble.New(ensemble.Config{
			Providers:        clients,
			Cache:            sharedCache,
			Calibration:      calibrationStore,
			Embeddings:       embeddingService,
			History:          voteHistory,
			Sink:             gw.sink,
			SynthesisCaller:  synthesisCaller,
			MetaVoteCaller:   metaVoteCaller,
			ValidationLevel:  validation.LevelStandard,
			SynthesisConfig:  synCfg,
			OverheadBudgetMs: tierSpec.OverheadBudgetMs,
		})
	}

	return gw, nil
}

// providerCallFunc adapts a Provider Client's Invoke into the plain
// (ctx, prompt) -> (string, error) shape both synthesis.ProviderCaller
// and voting.MetaVoterCaller expect.
func providerCallFunc(client *providerclient.Client) func(ctx context.Context, prompt string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		resp := client.Invoke(ctx, prompt)
		if resp.Status != gwtypes.StatusFulfilled {
			return "", fmt.Errorf("provider %s call rejected: %s", resp.Role, resp.RejectReason)
		}
		return resp.Content, nil
	}
}

func findProviderClient(clients []*providerclient.Client, role string) *providerclient.Client {
	if role == "" {
		return nil
	}
	for _, c := range clients {
		if c.Spec().Role == role {
			return c
		}
	}
	return nil
}

// findProviderClientByModel is the fallback lookup for the synthesis
// role when no roster entry's role matches doc.Synthesis.SynthesisRole:
// pick the client whose configured model matches SynthesisModel instead.
func findProviderClientByModel(clients []*providerclient.Client, model string) *providerclient.Client {
	if model == "" {
		return nil
	}
	for _, c := range clients {
		if c.Spec().Model == model {
			return c
		}
	}
	return nil
}

func buildProviderClients(tier tierconfig.TierSpec) []*providerclient.Client {
	clients := make([]*providerclient.Client, 0, len(tier.Providers))
	for _, p := range tier.Providers {
		clients = append(clients, providerclient.New(providerclient.Spec{
			Role:            p.Role,
			Provider:        p.Name,
			Model:           p.Model,
			BaseURL:         p.BaseURL,
			APIKey:          p.APIKey,
			CostPer1kInput:  p.CostPer1kInput,
			CostPer1kOutput: p.CostPer1kOutput,
			Deadline:        p.Deadline(),
		}))
	}
	return clients
}

// Submit admits a prompt for asynchronous processing, assigning a
// correlation id via google/uuid when the caller didn't supply one.
func (g *Gateway) Submit(p gwtypes.Prompt, priority admission.Priority) (string, error) {
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}

	g.mu.Lock()
	g.pending[p.CorrelationID] = p
	g.mu.Unlock()

	if err := g.queue.Admit(admission.Job{ID: p.CorrelationID, Priority: priority, Deadline: p.Deadline}); err != nil {
		g.mu.Lock()
		delete(g.pending, p.CorrelationID)
		g.mu.Unlock()
		return "", err
	}
	return p.CorrelationID, nil
}

// EstimateCost exposes the cost-estimation endpoint's backing
// computation for a tier and a prompt word count.
func (g *Gateway) EstimateCost(tier gwtypes.Tier, wordCount int) []costestimate.Estimate {
	return costestimate.ForTier(g.tiers.Tier(tier), wordCount)
}

// Run drains the admission queue until ctx is cancelled, dispatching each
// job to the Orchestrator for its tier.
func (g *Gateway) Run(ctx context.Context) {
	for {
		job, err := g.queue.Next(ctx)
		if err != nil {
			return
		}

		g.mu.Lock()
		prompt, ok := g.pending[job.ID]
		delete(g.pending, job.ID)
		g.mu.Unlock()
		if !ok {
			continue
		}

		start := time.Now()
		orch, ok := g.orchestrators[prompt.Tier]
		if !ok {
			orch = g.orchestrators[gwtypes.TierFree]
		}

		result, err := orch.Run(ctx, prompt)
		g.queue.RecordProcessingTime(time.Since(start))
		if err != nil {
			g.bootLog.WithError(err).WithField("correlation_id", prompt.CorrelationID).Warn("ensemble run failed")
			continue
		}
		g.bootLog.WithFields(logrus.Fields{
			"correlation_id": result.CorrelationID,
			"winner":         result.Vote.WinnerRole,
			"cached":         result.Cached,
		}).Info("ensemble run completed")
	}
}

// Close releases every backing connection opened during bootstrap.
func (g *Gateway) Close() {
	g.sink.Close()
	g.tiers.Close()
	for _, closer := range g.closers {
		if err := closer(); err != nil {
			g.bootLog.WithError(err).Warn("error closing backing connection")
		}
	}
}

func requestLoggerMode() string {
	if *debug {
		return "debug"
	}
	return "release"
}

func connectRedis(bootLog *logrus.Logger) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		bootLog.Info("REDIS_ADDR not set, response cache runs L1-only")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		bootLog.WithError(err).Warn("redis unavailable, response cache runs L1-only")
		client.Close()
		return nil
	}
	return client
}

func connectCalibrationStore(bootLog *logrus.Logger) (calibration.Persister, error) {
	connString := os.Getenv("CALIBRATION_DATABASE_URL")
	if connString == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	persister, err := calibration.NewPostgresPersister(ctx, connString)
	if err != nil {
		return nil, err
	}
	return persister, nil
}

func connectEmbeddingStore(bootLog *logrus.Logger) embedding.Store {
	// Constructing a real Chroma client requires a running collection
	// server; absent one, the Embedding Service runs LRU-only, which is
	// fully correct per its own doc comment.
	return nil
}

func connectClickHouse(bootLog *logrus.Logger) (*analytics.ClickHouseWriter, error) {
	host := os.Getenv("CLICKHOUSE_HOST")
	if host == "" {
		return nil, nil
	}
	return analytics.NewClickHouseWriter(analytics.Config{
		Host:     host,
		Port:     9000,
		Database: envOr("CLICKHOUSE_DATABASE", "ensemblegateway"),
		Username: os.Getenv("CLICKHOUSE_USER"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}, bootLog)
}

func connectKafka(bootLog *logrus.Logger) *telemetry.KafkaPublisher {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		return nil
	}
	return &telemetry.KafkaPublisher{Writer: &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(raw, ",")...),
		Balancer: &kafka.LeastBytes{},
	}}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	if *help {
		showHelp()
		return
	}
	if *version {
		showVersion()
		return
	}

	if err := godotenv.Load(); err != nil {
		// A missing .env is normal outside development; nothing to log.
		_ = err
	}

	bootLog := obslog.NewBootstrapLogger(*debug)
	printBanner()

	gw, err := newGateway(bootLog)
	if err != nil {
		bootLog.WithError(err).Fatal("gateway initialization failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bootLog.Info("shutdown signal received, draining admission queue")
	cancel()
	<-done
	gw.Close()
	bootLog.Info("shutdown complete")
}

func printBanner() {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("ensemblegateway - multi-provider AI ensemble gateway")
	color.New(color.FgHiBlack).Println("fan-out -> score -> vote -> synthesize -> validate")
}

func showHelp() {
	fmt.Printf(`ensemblegateway - multi-provider AI ensemble gateway

Usage:
  gatewayd [options]

Options:
  -config string
        Path to tier configuration file (YAML) (default "config/tiers.yaml")
  -debug
        Enable debug logging
  -version
        Show version information
  -help
        Show this help message

Environment:
  REDIS_ADDR, REDIS_PASSWORD              Response Cache L2 backing store
  CALIBRATION_DATABASE_URL                Postgres DSN for calibration sample persistence
  CLICKHOUSE_HOST/_DATABASE/_USER/_PASSWORD  Durable telemetry analytics sink
  KAFKA_BROKERS                           Telemetry event bus
`)
}

func showVersion() {
	fmt.Printf("ensemblegateway v%s\n", "0.1.0")
}
