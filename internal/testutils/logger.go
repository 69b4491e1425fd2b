package testutils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	w.t.Log(string(p))

	return len(p), nil
}

// NewTestLogger returns a development logger writing through t.Log, so the output is attached to the test.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.CallerKey = zapcore.OmitKey
	encoderCfg.ConsoleSeparator = "  "
	encoderCfg.TimeKey = ""
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(&testWriter{t}),
		zap.DebugLevel,
	)

	return zap.New(core)
}
