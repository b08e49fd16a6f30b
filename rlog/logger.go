// Package rlog wraps zap with the small set of structured helpers the risk
// engine's producers and orchestrator use for security-relevant logging.
package rlog

import (
	"time"

	"go.uber.org/zap"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug|info|warn|error
	Development bool
	ServiceName string
}

// Logger wraps *zap.Logger with risk-engine-specific helpers. The zero value
// is not usable; use New or Nop.
type Logger struct {
	*zap.Logger
}

// New builds a Logger from Config. A nil Config yields production defaults.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", ServiceName: "riskengine"}
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	base, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName != "" {
		base = base.With(zap.String("service", cfg.ServiceName))
	}
	return &Logger{Logger: base}, nil
}

// Nop returns a Logger that discards everything; safe as a default when the
// caller supplies no logger.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// orNop returns l, or a Nop logger if l is nil, so call sites never need a
// nil check before logging.
func orNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Decision logs a risk decision at a level proportional to severity.
func (l *Logger) Decision(identity, level, action string, score float64, fields ...zap.Field) {
	l = orNop(l)
	all := append([]zap.Field{
		zap.String("identity", identity),
		zap.String("risk_level", level),
		zap.String("action", action),
		zap.Float64("score", score),
	}, fields...)

	switch level {
	case "high", "critical":
		l.Warn("risk decision", all...)
	default:
		l.Info("risk decision", all...)
	}
}

// HookFailure logs a swallowed hook panic/error without propagating it.
func (l *Logger) HookFailure(hook string, recovered interface{}) {
	orNop(l).Warn("hook failure swallowed",
		zap.String("hook", hook),
		zap.Any("recovered", recovered),
		zap.Time("timestamp", time.Now().UTC()),
	)
}

// StoreEvent logs named engine/store events (such as an import or an
// unstable fingerprint history) at debug.
func (l *Logger) StoreEvent(event string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("event", event)}, fields...)
	orNop(l).Debug("store event", all...)
}
