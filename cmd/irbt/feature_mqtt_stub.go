//go:build no_mqtt

package main

import (
	"log/slog"

	"irbt-go/internal/shadow"
)

func initBridge(cfg *Config, _ timeouts, logger *slog.Logger) (func(shadow.Snapshot), func(commandFunc), func(), error) {
	if cfg.Bridge.Broker != "" {
		logger.Warn("MQTT bridge is not available in this build", "broker", cfg.Bridge.Broker)
	}
	return nil, nil, func() {}, nil
}
