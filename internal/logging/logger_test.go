package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range cases {
		if actual := ParseLevel(input); actual != expected {
			testContext.Fatalf("level %q: expected %s, got %s", input, expected, actual)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	logger, err := NewLogger(Options{Level: "warn", ServerName: "irc.example.net", PeerID: "abcd"})
	if err != nil {
		testContext.Fatalf("logger construction failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		testContext.Fatalf("expected warn to be enabled")
	}
}
