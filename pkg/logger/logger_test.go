package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_ExtraCores(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)

	l := NewLogger(LoggerConfig{
		ServiceName: "guest-memory-test",
		IsDebug:     true,
		Cores:       []zapcore.Core{core},
	})

	l.With(WithMemoryID("mem-1")).Debug("published topology", WithGeneration(3), WithGuestAddress(0x1000), WithRegion(0x1000, 4096))

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "guest-memory-test", fields["service"])
	assert.Equal(t, "mem-1", fields[MemoryIDKey])
	assert.Equal(t, uint64(3), fields[GenerationKey])
	assert.Equal(t, "0x1000", fields[GuestAddressKey])
	assert.Equal(t, map[string]any{"base": "0x1000", "size": uint64(4096)}, fields["region"])
}

func TestNewLogger_Level(t *testing.T) {
	t.Parallel()

	l := NewLogger(LoggerConfig{ServiceName: "guest-memory-test"})
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))

	l = NewLogger(LoggerConfig{ServiceName: "guest-memory-test", IsDebug: true})
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNewLogger_ExportOTEL(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)

	l := NewLogger(LoggerConfig{ServiceName: "guest-memory-test", ExportOTEL: true, Cores: []zapcore.Core{core}})
	l.Info("hot-added region")

	assert.Equal(t, 1, logs.Len())
}
