package logging

import (
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const gormSlowThreshold = 200 * time.Millisecond

// NewGormLogger routes gorm's query diagnostics into logger at warn level. Missed lookups are
// expected control flow and are never reported.
func NewGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	writer, err := zap.NewStdLogAt(logger.With(zap.String("component", "gorm")), zap.WarnLevel)
	if err != nil {
		return gormlogger.Discard
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             gormSlowThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}
