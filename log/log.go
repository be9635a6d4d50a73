// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log is the core's thin structured-logging facade, backed by
// uber-go/zap. Components take a Logger rather than a concrete type so
// tests can swap in NewNoOp.
package log

import (
	"go.uber.org/zap"
)

// Logger is the structured logger every core component depends on.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// With returns a child logger that always includes the given fields.
	With(kv ...any) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New returns a production JSON logger at the given level ("debug", "info",
// "warn", "error").
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: base.Sugar()}, nil
}

// NewDevelopment returns a human-readable console logger for local runs.
func NewDevelopment() Logger {
	base, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewDevelopment only fails on a broken sink; fall back to NoOp
		// rather than panicking a caller that just wants a logger.
		return NewNoOp()
	}
	return &zapLogger{s: base.Sugar()}
}

func (z *zapLogger) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z *zapLogger) With(kv ...any) Logger       { return &zapLogger{s: z.s.With(kv...)} }
func (z *zapLogger) Sync() error                 { return z.s.Sync() }

// noOp discards everything; used in tests and by components run without a
// configured logger.
type noOp struct{}

func NewNoOp() Logger { return noOp{} }

func (noOp) Debug(string, ...any) {}
func (noOp) Info(string, ...any)  {}
func (noOp) Warn(string, ...any)  {}
func (noOp) Error(string, ...any) {}
func (noOp) With(...any) Logger   { return noOp{} }
func (noOp) Sync() error          { return nil }
