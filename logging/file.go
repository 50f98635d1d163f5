package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFileLogger returns a logger that writes to stdout like NewLogger and
// also appends JSON lines to path, rotating it once it grows past 100MB. The
// returned closer closes the file.
func NewFileLogger(name, path string, level zapcore.Level) (Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	consoleConfig := NewLoggerConfig().EncoderConfig
	fileConfig := consoleConfig
	fileConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), atomicLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotator), atomicLevel),
	)
	return FromZapCore(name, core, atomicLevel), rotator
}
