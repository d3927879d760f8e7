// Package logging builds the process logger: a console core for humans and a
// rotating JSON file core for later inspection.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"kairu-assistant/internal/config"
)

// Options adjusts the logger for the command being run.
type Options struct {
	// Console receives human-readable output. Nil disables the console core,
	// which the stdio MCP transport needs because stdout carries the protocol.
	Console zapcore.WriteSyncer
	// Verbose forces debug level.
	Verbose bool
}

// New builds a logger named after the server from cfg.
func New(cfg config.Config, opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	if opts.Verbose {
		level.SetLevel(zap.DebugLevel)
	}

	var cores []zapcore.Core
	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(encoder(cfg.Logging.Format), opts.Console, level))
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), sink, level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	return logger.Named(cfg.Server.Name), nil
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if format == "json" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// Sync flushes buffered entries, ignoring the errors terminals report for
// syncing stdout and stderr.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "/dev/std") ||
			strings.Contains(msg, "invalid argument") ||
			strings.Contains(msg, "inappropriate ioctl") {
			return
		}
		fmt.Fprintln(os.Stderr, "failed to sync logger:", err)
	}
}
