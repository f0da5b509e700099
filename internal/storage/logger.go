package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/GriffinCanCode/webproxy/internal/infrastructure/tracing"
)

// GormLogger routes gorm's logging through zap.
type GormLogger struct {
	log      *zap.Logger
	LogLevel logger.LogLevel
	Slow     time.Duration
}

// NewGormLogger creates a GormLogger at Warn level.
func NewGormLogger(l *zap.Logger) *GormLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &GormLogger{
		log:      l.Named("storage"),
		LogLevel: logger.Warn,
		Slow:     time.Second,
	}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.LogLevel = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.log.Info(fmt.Sprintf(msg, data...), traceField(ctx))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...), traceField(ctx))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, data...), traceField(ctx))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		traceField(ctx),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error:
		l.log.Error("sql failed", append(fields, zap.Error(err))...)
	case elapsed > l.Slow && l.LogLevel >= logger.Warn:
		l.log.Warn("slow sql", append(fields, zap.Duration("threshold", l.Slow))...)
	case l.LogLevel == logger.Info:
		l.log.Debug("sql", fields...)
	}
}

func traceField(ctx context.Context) zap.Field {
	return zap.String("trace_id", string(tracing.GetTraceID(ctx)))
}
