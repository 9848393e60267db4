// Package logging builds the daemon's structured logger: zap underneath,
// exposed through a level/format/args call shape so every package that
// speaks that convention can be handed the same function value.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Func is the common logging call shape used throughout the module:
// log("info", "admitted job %d", jobid).
type Func func(level, format string, args ...any)

// New builds a zap-backed Func. debug enables debug-level output (the
// teacher's --debug flag convention); otherwise info and above only.
func New(debug bool) (Func, *zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("logging: build zap logger: %w", err)
	}

	sugar := logger.Sugar()
	fn := func(level, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		switch level {
		case "debug":
			sugar.Debug(msg)
		case "warn", "warning":
			sugar.Warn(msg)
		case "error":
			sugar.Error(msg)
		default:
			sugar.Info(msg)
		}
	}
	return fn, logger, nil
}

// Noop returns a Func that discards everything, for tests.
func Noop() Func {
	return func(string, string, ...any) {}
}
