// Package logging contains the logger used throughout the frame pipeline.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalMu     sync.RWMutex
	globalLogger = NewDebugLogger("startup")
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewLoggerConfig returns a new default logger config.
func NewLoggerConfig() zap.Config {
	// from https://github.com/uber-go/zap/blob/2314926ec34c23ee21f3dd4399438469668f8097/config.go#L135
	// but disable stacktraces, use same keys as prod, and color levels.
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a new logger that outputs Info+ logs to stdout.
func NewLogger(name string) Logger {
	return newFromConfig(name, NewLoggerConfig())
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	config := NewLoggerConfig()
	config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return newFromConfig(name, config)
}

// NewBlankLogger returns a logger that discards everything. Useful for CLI
// runs where only the command output matters.
func NewBlankLogger(name string) Logger {
	level := zap.NewAtomicLevelAt(zap.DebugLevel)
	return &impl{name: name, level: level, logger: zap.NewNop().Sugar()}
}

func newFromConfig(name string, config zap.Config) Logger {
	return &impl{
		name:   name,
		level:  config.Level,
		logger: zap.Must(config.Build()).Sugar().Named(name),
	}
}

// FromZapCore wraps an existing core. The core decides what gets written; the
// returned logger only tracks the level for SetLevel/GetLevel.
func FromZapCore(name string, core zapcore.Core, level zap.AtomicLevel) Logger {
	return &impl{name: name, level: level, logger: zap.New(core).Sugar().Named(name)}
}
