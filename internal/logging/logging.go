// Package logging provides the structured logger shared by the relay server
// and client library. It wraps zap the same way the rest of the aRPC stack
// does: a package-level *zap.Logger configured once at startup, with
// Debug/Info/Warn/Error/Fatal helpers that take zap fields.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the level and output format of the package logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

var log *zap.Logger = zap.NewNop()

// Init builds the package-level logger from cfg. Safe to call once at
// process startup; a nil cfg yields an info-level console logger.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "console"}
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	log = zap.New(core, zap.AddCaller())
	return nil
}

// L returns the package logger, for callers that need to build child loggers
// (e.g. with zap.With for a fixed correlation id).
func L() *zap.Logger { return log }

func Debug(msg string, fields ...zap.Field) { log.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)   { log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)   { log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field)  { log.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field)  { log.Fatal(msg, fields...) }
