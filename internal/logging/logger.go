package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and an optional rotating file sink.
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger returns a zap logger configured for structured production logging.
// When File is set every entry is also written to a rotating log file.
func NewLogger(cfg Config) (*zap.Logger, error) {
	productionConfig := zap.NewProductionConfig()
	productionConfig.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	logger, err := productionConfig.Build()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.File) == "" {
		return logger, nil
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(productionConfig.EncoderConfig),
		zapcore.AddSync(newRotatingFile(cfg)),
		productionConfig.Level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

// ParseLevel maps a configured level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newRotatingFile(cfg Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}
