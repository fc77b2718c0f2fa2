package analytics

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func newMockWriter(t *testing.T) (*ClickHouseWriter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &ClickHouseWriter{conn: db, logger: logrus.New()}, mock
}

func TestWriteRequestEventInsertsOneRow(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO ensemble_requests").
		WithArgs("corr-1", "opus", "strong", false, false, int64(120), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result := gwtypes.EnsembleResult{
		Vote:             gwtypes.VoteOutcome{WinnerRole: "opus", Consensus: gwtypes.ConsensusStrong},
		ProcessingTimeMs: 120,
	}
	err := w.WriteRequestEvent(context.Background(), "corr-1", result)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRequestEventWrapsDriverError(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO ensemble_requests").WillReturnError(assert.AnError)

	err := w.WriteRequestEvent(context.Background(), "corr-2", gwtypes.EnsembleResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corr-2")
}

func TestCloseWithNilConnIsNoop(t *testing.T) {
	w := &ClickHouseWriter{}
	assert.NoError(t, w.Close())
}
