// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger wraps a zap.SugaredLogger to implement Logger. The coordinator
// binary selects this backend in production; slogLogger remains the default
// for tests and single-file tools where the extra dependency isn't worth it.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a production-grade JSON logger using zap. level follows
// zapcore conventions ("debug", "info", "warn", "error").
func NewZapLogger(service, version, level string) (Logger, error) {
	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(level)); err != nil {
		zlevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	sugar := base.Sugar().With("service", service, "version", version)
	return &zapLogger{sugar: sugar}, nil
}

func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(sanitizeLogValue(msg).(string), sanitizeFields(args)...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(sanitizeLogValue(msg).(string), sanitizeFields(args)...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(sanitizeLogValue(msg).(string), sanitizeFields(args)...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(sanitizeLogValue(msg).(string), sanitizeFields(args)...) }

func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(sanitizeFields(args)...)}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	attrs := make([]any, 0, 4)
	if v := ctx.Value(ctxKeyJobID); v != nil {
		attrs = append(attrs, "job_id", v)
	}
	if v := ctx.Value(ctxKeyWorkerID); v != nil {
		attrs = append(attrs, "worker_id", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// Sync flushes any buffered log entries; call it before process exit.
func (l *zapLogger) Sync() error { return l.sugar.Sync() }

type ctxKey string

const (
	ctxKeyJobID    ctxKey = "job_id"
	ctxKeyWorkerID ctxKey = "worker_id"
)
