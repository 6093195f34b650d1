// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging capability every component receives. Implementations
// must be safe for concurrent use; one logger instance is shared process-wide.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    zapcore.Level
	filePath string
}

// WithLogLevel sets the minimum level from a string ("debug", "info", "warn",
// "error"). Unknown strings fall back to info.
func WithLogLevel(level string) LoggerOption {
	return func(c *loggerConfig) {
		if l, err := zapcore.ParseLevel(level); err == nil {
			c.level = l
		}
	}
}

// WithLogFile additionally writes rotated log files at the given path.
func WithLogFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger builds the process logger: JSON-encoded zap with
// ISO8601 timestamps on stdout, plus lumberjack-rotated file output when a
// file path is configured.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.filePath != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), cfg.level)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{logger.Sugar()}, nil
}
