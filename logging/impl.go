package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used by the pipeline. It mirrors the
// sugared zap API and adds context-aware debug logging.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a logger whose name is this logger's name with subname appended.
	Sublogger(subname string) Logger
	// WithFields returns a logger that always emits the given key/value pairs.
	WithFields(keysAndValues ...interface{}) Logger

	SetLevel(level zapcore.Level)
	GetLevel() zapcore.Level
	AsZap() *zap.SugaredLogger
	Sync() error
}

type impl struct {
	name   string
	level  zap.AtomicLevel
	logger *zap.SugaredLogger
}

func (imp *impl) Debug(args ...interface{}) { imp.logger.Debug(args...) }

func (imp *impl) Debugf(template string, args ...interface{}) { imp.logger.Debugf(template, args...) }

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.logger.Debugw(msg, keysAndValues...)
}

// CDebugw logs at debug level. When the context has debug mode enabled the
// entry is emitted at info level instead so that it survives an info-level
// logger.
func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if IsDebugMode(ctx) && !imp.level.Enabled(zapcore.DebugLevel) {
		imp.logger.Infow(msg, append(keysAndValues, "debug_key", GetName(ctx))...)
		return
	}
	imp.logger.Debugw(msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) { imp.logger.Info(args...) }

func (imp *impl) Infof(template string, args ...interface{}) { imp.logger.Infof(template, args...) }

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.logger.Infow(msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) { imp.logger.Warn(args...) }

func (imp *impl) Warnf(template string, args ...interface{}) { imp.logger.Warnf(template, args...) }

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.logger.Warnw(msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) { imp.logger.Error(args...) }

func (imp *impl) Errorf(template string, args ...interface{}) { imp.logger.Errorf(template, args...) }

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.logger.Errorw(msg, keysAndValues...)
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return &impl{
		name:   newName,
		level:  imp.level,
		logger: imp.logger.Named(subname),
	}
}

func (imp *impl) WithFields(keysAndValues ...interface{}) Logger {
	return &impl{
		name:   imp.name,
		level:  imp.level,
		logger: imp.logger.With(keysAndValues...),
	}
}

func (imp *impl) SetLevel(level zapcore.Level) {
	imp.level.SetLevel(level)
}

func (imp *impl) GetLevel() zapcore.Level {
	return imp.level.Level()
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.logger
}

func (imp *impl) Sync() error {
	return imp.logger.Sync()
}
