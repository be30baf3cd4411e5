package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerParsesLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"":        zapcore.InfoLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, want := range cases {
		logger, err := NewLogger(raw, "json")
		if err != nil {
			t.Fatalf("failed to build logger for %q: %v", raw, err)
		}
		if !logger.Core().Enabled(want) {
			t.Fatalf("expected %s to be enabled for %q", want, raw)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Fatalf("expected %s to be disabled for %q", want-1, raw)
		}
	}
}

func TestNewLoggerSupportsConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console")
	if err != nil {
		t.Fatalf("failed to build console logger: %v", err)
	}
	logger.Info("console logger ready")
}
