package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production always logs JSON so the
// aggregator can parse it; development defaults to text unless LOG_FORMAT
// asks for json.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
