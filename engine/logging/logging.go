// Package logging sets up structured logging with file rotation.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Filename   string `json:"filename"`    // empty disables the file sink
	MaxSize    int    `json:"max_size"`    // MB before rotation (default: 100)
	MaxBackups int    `json:"max_backups"` // old files to keep (default: 3)
	MaxAge     int    `json:"max_age"`     // days to keep old files (default: 28)
	Compress   bool   `json:"compress"`    // compress rotated files
	Console    bool   `json:"console"`     // also log to stdout
}

// New builds a zap logger writing JSON to a rotated file and, optionally,
// human-readable output to the console.
func New(cfg Config) *zap.Logger {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 28
	}

	level := zapcore.InfoLevel
	_ = level.Set(cfg.Level)

	var cores []zapcore.Core

	if cfg.Filename != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, rotated, level))
	}

	if cfg.Console || cfg.Filename == "" {
		encCfg := zap.NewDevelopmentEncoderConfig()
		enc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level))
	}

	return zap.New(zapcore.NewTee(cores...))
}
