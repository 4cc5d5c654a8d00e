package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and the node fields stamped on every entry.
type Options struct {
	Level      string
	ServerName string
	PeerID     string
}

// ParseLevel maps a configured level name to a zap level. Unknown names fall back to info.
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

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(options Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(options.Level))

	fields := map[string]interface{}{}
	if options.ServerName != "" {
		fields["server_name"] = options.ServerName
	}
	if options.PeerID != "" {
		fields["node"] = options.PeerID
	}
	if len(fields) > 0 {
		cfg.InitialFields = fields
	}

	return cfg.Build()
}
