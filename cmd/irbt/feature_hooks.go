//go:build !no_hooks

package main

import (
	"fmt"
	"log/slog"

	"irbt-go/internal/hooks"
	"irbt-go/internal/shadow"
)

// initHooks loads the status hook script, if one is configured. The
// returned stop func is always safe to call.
func initHooks(cfg *Config, t timeouts, logger *slog.Logger) (func(shadow.Snapshot), func(), error) {
	if cfg.Hooks.Script == "" {
		return nil, func() {}, nil
	}
	engine, err := hooks.Load(cfg.Hooks.Script, t.Hooks, logger)
	if err != nil {
		return nil, func() {}, fmt.Errorf("load hook script: %w", err)
	}
	logger.Info("status hooks loaded", "script", cfg.Hooks.Script)
	return engine.Observe, engine.Close, nil
}
