// Package logging builds the structured loggers used by the engine.
package logging

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level. Development loggers use the console encoder
// and log stack traces at warn level.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// ForQuery derives the logger a single query logs through.
func ForQuery(l *zap.Logger, queryID string) *zap.Logger {
	return l.With(zap.String("query_id", queryID))
}

// ForOperator derives the logger of one physical operator.
func ForOperator(l *zap.Logger, op string, node int32) *zap.Logger {
	return l.With(zap.String("operator", op), zap.Int32("node", node))
}
