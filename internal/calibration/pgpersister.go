// Postgres-backed persistence for calibration samples, grounded on
// internal/database/db.go's pgxpool.New/Ping pattern. Persists into the
// calibrationSamples/{model} logical collection named in spec §6.
package calibration

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// PostgresPersister appends calibration samples to a Postgres table.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

// NewPostgresPersister connects to connString and verifies connectivity
// with a bounded ping. A connect or ping failure is returned as an error;
// this function logs nothing, and whether startup continues without
// persistence is the caller's decision (cmd/gatewayd logs a warning and
// degrades, the same non-fatal shape as the donor's cache_service.go
// uses for Redis).
func NewPostgresPersister(ctx context.Context, connString string) (*PostgresPersister, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to calibration store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping calibration store: %w", err)
	}

	return &PostgresPersister{pool: pool}, nil
}

// AppendSample inserts one sample row.
func (p *PostgresPersister) AppendSample(ctx context.Context, s gwtypes.CalibrationSample) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calibration_samples (model_name, predicted_prob, actual, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		s.ModelName, s.PredictedProb, s.Actual, s.Timestamp)
	if err != nil {
		return fmt.Errorf("insert calibration sample for %s: %w", s.ModelName, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *PostgresPersister) Close() {
	p.pool.Close()
}
