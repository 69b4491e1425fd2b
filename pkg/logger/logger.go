// Package logger builds the zap loggers used by the guest memory tools and holds the shared log fields.
package logger

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	ServiceName string
	IsDebug     bool
	// ExportOTEL tees the log records into the global OpenTelemetry logger provider.
	ExportOTEL bool

	// Cores receive every entry in addition to stderr.
	Cores []zapcore.Core
}

// NewLogger returns a JSON logger writing to stderr, tagged with the service name and pid.
func NewLogger(loggerConfig LoggerConfig) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if loggerConfig.IsDebug {
		level.SetLevel(zap.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(os.Stderr), level),
	}

	if loggerConfig.ExportOTEL {
		cores = append(cores, otelzap.NewCore(loggerConfig.ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	cores = append(cores, loggerConfig.Cores...)

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(
			zap.String("service", loggerConfig.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
	)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
}
