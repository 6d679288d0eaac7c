// Package logging builds aegis's process-wide *logrus.Logger from
// configuration and bridges it to logr.Logger (via zap/zapr) for the
// controller-runtime watch client, which only accepts logr (spec.md §9,
// "global singletons ... exposed as process-wide initialized-at-startup
// handles").
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *logrus.Logger from a level name ("debug", "info", "warn",
// "error") and format ("json" or "text"), defaulting to info/text for
// unrecognized values rather than failing startup over a typo.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// WithIncident returns an entry pre-populated with the correlation fields
// every aegis log line carries where applicable (spec.md §4.7).
func WithIncident(logger *logrus.Logger, incidentID, correlationKey, shadowID string) *logrus.Entry {
	fields := logrus.Fields{}
	if incidentID != "" {
		fields["incident_id"] = incidentID
	}
	if correlationKey != "" {
		fields["correlation_key"] = correlationKey
	}
	if shadowID != "" {
		fields["shadow_id"] = shadowID
	}
	return logger.WithFields(fields)
}

// NewLogr bridges level/format onto a logr.Logger via zap+zapr for
// controller-runtime's watch client, which speaks logr, not logrus.
func NewLogr(level, format string) logr.Logger {
	zapLevel := zapcore.InfoLevel
	_ = zapLevel.UnmarshalText([]byte(level))

	encoderCfg := zap.NewProductionEncoderConfig()
	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	zl := zap.New(core)
	return zapr.NewLogger(zl)
}
