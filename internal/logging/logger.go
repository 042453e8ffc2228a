package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggingConfig struct {
	Level      string
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger writes pretty logs to stdout and JSON logs to a rotated file.
// An empty FilePath disables the file output.
func InitLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level),
	}

	if cfg.FilePath != "" {
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(fileEncoder, fileWriter, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, nil
}

// WithRequestID returns a logger with the request ID field attached
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithOrigin returns a logger tagged with the operation a call came from
func WithOrigin(logger *zap.Logger, origin string) *zap.Logger {
	return logger.With(zap.String("origin", origin))
}
