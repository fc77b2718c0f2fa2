// Package analytics implements the Telemetry Sink's durable analytics
// backing store: a ClickHouse table of completed ensemble requests,
// written from the Sink's background drain goroutine so the write never
// sits on the request path. Grounded directly on the donor's
// internal/analytics/clickhouse.go (ClickHouseAnalytics: conn+logger
// struct, host/port/database DSN assembly, sql.Open("clickhouse", dsn)
// + Ping verified at construction, every query error wrapped with %w).
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// Config names the ClickHouse connection parameters.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	TLS      bool
}

// ClickHouseWriter implements telemetry.AnalyticsWriter against a
// ClickHouse table of completed ensemble requests.
type ClickHouseWriter struct {
	conn   *sql.DB
	logger *logrus.Logger
}

// NewClickHouseWriter opens a connection pool against cfg and verifies it
// with a bounded ping. logger may be nil, in which case a default one is
// used.
func NewClickHouseWriter(cfg Config, logger *logrus.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	if !cfg.TLS {
		dsn += "?secure=false"
	}

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.Host, "port": cfg.Port, "database": cfg.Database,
	}).Info("clickhouse analytics writer initialized")

	return &ClickHouseWriter{conn: conn, logger: logger}, nil
}

// WriteRequestEvent inserts one completed-request row.
func (c *ClickHouseWriter) WriteRequestEvent(ctx context.Context, correlationID string, result gwtypes.EnsembleResult) error {
	_, err := c.conn.ExecContext(ctx,
		`INSERT INTO ensemble_requests (correlation_id, winner_role, consensus, abstained, cached, processing_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		correlationID,
		result.Vote.WinnerRole,
		string(result.Vote.Consensus),
		result.Vote.Abstained,
		result.Cached,
		result.ProcessingTimeMs,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert ensemble request event for %s: %w", correlationID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *ClickHouseWriter) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
