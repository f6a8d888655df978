package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a slog.Logger matching the configured format.
// Production deployments should set LOG_FORMAT=json for log shipping.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
}
