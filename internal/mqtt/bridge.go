//go:build !no_mqtt

// Package mqtt mirrors robot status onto a local MQTT broker with Home
// Assistant discovery, and accepts vacuum commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"irbt-go/internal/shadow"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker         string
	Username       string
	Password       string
	TopicPrefix    string
	ClientID       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// CommandFunc sends one command to a robot.
type CommandFunc func(ctx context.Context, deviceID string, cmd shadow.Command) error

// Bridge publishes robot state to a local broker.
type Bridge struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	commandTimeout time.Duration

	mu        sync.Mutex
	states    map[string]map[string]any // device id -> merged reported state
	announced map[string]bool
	onCommand CommandFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "irbt"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "irbt-bridge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := newBridge(cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		b.cancel()
		return nil, fmt.Errorf("mqtt bridge connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt bridge connect: %w", err)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
	return b, nil
}

func newBridge(cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Bridge{
		prefix:         cfg.TopicPrefix,
		logger:         logger.With("component", "bridge"),
		ctx:            ctx,
		cancel:         cancel,
		commandTimeout: timeout,
		states:         make(map[string]map[string]any),
		announced:      make(map[string]bool),
	}
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.client == nil {
		return
	}
	b.publish(b.availabilityTopic(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// HandleCommands routes vacuum commands received on <prefix>/<device>/set
// to fn.
func (b *Bridge) HandleCommands(fn CommandFunc) {
	b.mu.Lock()
	b.onCommand = fn
	b.mu.Unlock()
	b.subscribeCommands()
}

// Observe is a dispatcher observer. Full snapshots replace the device
// state, deltas are merged into it.
func (b *Bridge) Observe(snap shadow.Snapshot) {
	b.mu.Lock()
	state, ok := b.states[snap.DeviceID]
	if !ok || !snap.Delta {
		state = make(map[string]any, len(snap.Reported)+2)
		b.states[snap.DeviceID] = state
	}
	for k, v := range snap.Reported {
		state[k] = v
	}
	if vs := vacuumState(state); vs != "" {
		state["state"] = vs
	}
	state["last_seen"] = snap.ReceivedAt.UTC().Format(time.RFC3339)

	announce := !b.announced[snap.DeviceID]
	b.announced[snap.DeviceID] = true
	payload := mustJSON(state)
	var disc []discoveryMsg
	if announce {
		disc = buildDiscovery(snap.DeviceID, state, b.prefix)
	}
	b.mu.Unlock()

	for _, msg := range disc {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if announce {
		b.logger.Info("published HA discovery", "device", snap.DeviceID)
	}
	b.publish(b.stateTopic(snap.DeviceID), payload, true)
}

// onConnect republishes availability and discovery for every known robot.
func (b *Bridge) onConnect() {
	b.publish(b.availabilityTopic(), []byte("online"), true)

	b.mu.Lock()
	var msgs []discoveryMsg
	for id, state := range b.states {
		msgs = append(msgs, buildDiscovery(id, state, b.prefix)...)
	}
	b.mu.Unlock()
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.subscribeCommands()
}

func (b *Bridge) subscribeCommands() {
	b.mu.Lock()
	enabled := b.onCommand != nil
	b.mu.Unlock()
	if !enabled || b.client == nil {
		return
	}
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		deviceID, ok := b.deviceFromCommandTopic(msg.Topic())
		if !ok {
			return
		}
		go b.handleCommand(deviceID, msg.Payload())
	})
}

func (b *Bridge) deviceFromCommandTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) handleCommand(deviceID string, payload []byte) {
	cmd, err := parseVacuumCommand(payload)
	if err != nil {
		b.logger.Warn("invalid vacuum command", "device", deviceID, "payload", string(payload), "err", err)
		return
	}
	b.mu.Lock()
	fn := b.onCommand
	b.mu.Unlock()
	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()
	if err := fn(ctx, deviceID, cmd); err != nil {
		b.logger.Warn("vacuum command failed", "device", deviceID, "command", cmd, "err", err)
		return
	}
	b.logger.Info("vacuum command sent", "device", deviceID, "command", cmd)
}

// parseVacuumCommand accepts Home Assistant vacuum payloads as well as the
// robot's own command names.
func parseVacuumCommand(payload []byte) (shadow.Command, error) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return "", err
		}
		text = body.Command
	}
	switch strings.ToLower(text) {
	case "return_to_base":
		return shadow.CommandDock, nil
	case "locate":
		return shadow.CommandFind, nil
	case "status":
		return "", errors.New("status is not a vacuum command")
	}
	// ParseCommand wraps ErrUnknownCommand for anything else.
	return shadow.ParseCommand(strings.ToLower(text))
}

// vacuumState maps the mission phase onto a Home Assistant vacuum state.
func vacuumState(state map[string]any) string {
	mission, _ := state["cleanMissionStatus"].(map[string]any)
	phase, _ := mission["phase"].(string)
	switch phase {
	case "run":
		return "cleaning"
	case "hmUsrDock", "hmMidMsn", "hmPostMsn":
		return "returning"
	case "charge", "evac":
		return "docked"
	case "stuck", "chargingerror":
		return "error"
	case "stop":
		if cycle, _ := mission["cycle"].(string); cycle != "" && cycle != "none" {
			return "paused"
		}
		return "idle"
	}
	return ""
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) stateTopic(deviceID string) string {
	return b.prefix + "/" + topicName(deviceID)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
