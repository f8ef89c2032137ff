//go:build no_hooks

package main

import (
	"log/slog"

	"irbt-go/internal/shadow"
)

func initHooks(cfg *Config, _ timeouts, logger *slog.Logger) (func(shadow.Snapshot), func(), error) {
	if cfg.Hooks.Script != "" {
		logger.Warn("status hooks are not available in this build", "script", cfg.Hooks.Script)
	}
	return nil, func() {}, nil
}
