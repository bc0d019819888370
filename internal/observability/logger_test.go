package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInitLoggers(t *testing.T) {
	origCLI, origServer := CLILogger, ServerLogger
	defer func() {
		CLILogger = origCLI
		ServerLogger = origServer
	}()

	InitCLILogger("test", true)
	InitServerLogger("test", "debug")

	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.DebugLevel))
	assert.NotPanics(t, Sync)
}
