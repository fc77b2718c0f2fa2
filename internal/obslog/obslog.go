// Package obslog builds the two loggers the gateway uses: a zap logger for
// the request path (Telemetry Sink, pipeline stages) and a logrus logger
// for process bootstrap in cmd/gatewayd, matching the donor's dual-logger
// texture (zap throughout internal/, logrus in cmd/superagent/main.go).
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewRequestLogger builds the zap logger used on the request path. mode is
// "debug" or "release", matching the donor's ServerConfig.Mode field.
func NewRequestLogger(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	if mode == "release" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// WithCorrelation returns a child logger tagged with a correlation id, the way
// every stage's log lines are expected to carry one per spec invariant.
func WithCorrelation(l *zap.Logger, correlationID string) *zap.Logger {
	return l.With(zap.String("correlation_id", correlationID))
}

// NewBootstrapLogger builds the logrus logger used by cmd/gatewayd during
// startup and shutdown, grounded on cmd/superagent/main.go's use of
// *logrus.Logger for container/health-check helpers.
func NewBootstrapLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
