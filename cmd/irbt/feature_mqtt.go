//go:build !no_mqtt

package main

import (
	"log/slog"

	"irbt-go/internal/mqtt"
	"irbt-go/internal/shadow"
)

// initBridge connects the local MQTT bridge when a broker is configured.
// The returned stop func is always safe to call.
func initBridge(cfg *Config, t timeouts, logger *slog.Logger) (func(shadow.Snapshot), func(commandFunc), func(), error) {
	if cfg.Bridge.Broker == "" {
		return nil, nil, func() {}, nil
	}
	b, err := mqtt.NewBridge(mqtt.Config{
		Broker:         cfg.Bridge.Broker,
		Username:       cfg.Bridge.Username,
		Password:       cfg.Bridge.Password,
		TopicPrefix:    cfg.Bridge.TopicPrefix,
		ClientID:       cfg.Bridge.ClientID,
		ConnectTimeout: t.Connect,
	}, logger)
	if err != nil {
		return nil, nil, func() {}, err
	}
	handle := func(fn commandFunc) { b.HandleCommands(mqtt.CommandFunc(fn)) }
	return b.Observe, handle, b.Stop, nil
}
