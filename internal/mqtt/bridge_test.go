//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"irbt-go/internal/shadow"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes and subscriptions. Unused Client methods
// panic through the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	messages     []published
	handlers     map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte), retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].topic == topic {
			return c.messages[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func (c *fakeClient) deliver(subscription, topic string, payload []byte) {
	c.mu.Lock()
	cb := c.handlers[subscription]
	c.mu.Unlock()
	if cb != nil {
		cb(c, &fakeMessage{topic: topic, payload: payload})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient) {
	t.Helper()
	b := newBridge(Config{TopicPrefix: "irbt", CommandTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := newFakeClient()
	b.client = client
	t.Cleanup(b.Stop)
	return b, client
}

func snapshot(id string, delta bool, reported map[string]any) shadow.Snapshot {
	return shadow.Snapshot{DeviceID: id, Delta: delta, Reported: reported, ReceivedAt: time.Unix(1700000000, 0)}
}

func decodeState(t *testing.T, msg published) map[string]any {
	t.Helper()
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatalf("state payload %q: %v", msg.payload, err)
	}
	return state
}

func TestObservePublishesStateAndDiscovery(t *testing.T) {
	b, client := newTestBridge(t)
	b.Observe(snapshot("ROBOT1", false, map[string]any{
		"name":               "Lemon",
		"sku":                "i715840",
		"batPct":             float64(87),
		"cleanMissionStatus": map[string]any{"phase": "charge", "cycle": "none"},
	}))

	msg, ok := client.last("irbt/ROBOT1")
	if !ok {
		t.Fatal("state not published")
	}
	if !msg.retained {
		t.Error("state should be retained")
	}
	state := decodeState(t, msg)
	if state["batPct"] != float64(87) || state["state"] != "docked" || state["last_seen"] != "2023-11-14T22:13:20Z" {
		t.Errorf("state = %v", state)
	}

	disc, ok := client.last("homeassistant/vacuum/irbt_ROBOT1/vacuum/config")
	if !ok {
		t.Fatal("vacuum discovery not published")
	}
	var payload haDiscovery
	if err := json.Unmarshal(disc.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "Lemon" || payload.CommandTopic != "irbt/ROBOT1/set" || payload.AvailabilityTopic != "irbt/bridge/state" {
		t.Errorf("vacuum discovery = %+v", payload)
	}
	if payload.Device.Model != "i715840" || payload.Device.Identifiers[0] != "irbt_ROBOT1" {
		t.Errorf("device block = %+v", payload.Device)
	}
	if _, ok := client.last("homeassistant/sensor/irbt_ROBOT1/battery/config"); !ok {
		t.Error("battery discovery missing")
	}
	if _, ok := client.last("homeassistant/binary_sensor/irbt_ROBOT1/bin_full/config"); !ok {
		t.Error("bin full discovery missing")
	}
}

func TestObserveMergesDeltas(t *testing.T) {
	b, client := newTestBridge(t)
	b.Observe(snapshot("ROBOT1", false, map[string]any{"name": "Lemon", "batPct": float64(87)}))
	b.Observe(snapshot("ROBOT1", true, map[string]any{
		"batPct":             float64(80),
		"cleanMissionStatus": map[string]any{"phase": "run"},
	}))

	msg, _ := client.last("irbt/ROBOT1")
	state := decodeState(t, msg)
	if state["name"] != "Lemon" || state["batPct"] != float64(80) || state["state"] != "cleaning" {
		t.Errorf("merged state = %v", state)
	}
	if n := client.count("homeassistant/vacuum/irbt_ROBOT1/vacuum/config"); n != 1 {
		t.Errorf("discovery published %d times, want 1", n)
	}

	// A full snapshot drops keys the robot no longer reports.
	b.Observe(snapshot("ROBOT1", false, map[string]any{"batPct": float64(79)}))
	msg, _ = client.last("irbt/ROBOT1")
	state = decodeState(t, msg)
	if _, ok := state["name"]; ok {
		t.Errorf("full snapshot should replace state, got %v", state)
	}
}

func TestOnConnectRepublishesDiscovery(t *testing.T) {
	b, client := newTestBridge(t)
	b.Observe(snapshot("ROBOT1", false, map[string]any{"name": "Lemon"}))
	b.onConnect()

	if msg, ok := client.last("irbt/bridge/state"); !ok || string(msg.payload) != "online" {
		t.Errorf("availability = %+v", msg)
	}
	if n := client.count("homeassistant/vacuum/irbt_ROBOT1/vacuum/config"); n != 2 {
		t.Errorf("discovery published %d times, want 2", n)
	}
}

func TestStopPublishesOffline(t *testing.T) {
	b, client := newTestBridge(t)
	b.Stop()
	if msg, ok := client.last("irbt/bridge/state"); !ok || string(msg.payload) != "offline" {
		t.Errorf("availability = %+v", msg)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}

func TestHandleCommands(t *testing.T) {
	b, client := newTestBridge(t)

	type call struct {
		device string
		cmd    shadow.Command
	}
	calls := make(chan call, 4)
	b.HandleCommands(func(_ context.Context, deviceID string, cmd shadow.Command) error {
		calls <- call{deviceID, cmd}
		return nil
	})

	client.deliver("irbt/+/set", "irbt/ROBOT1/set", []byte("return_to_base"))
	select {
	case c := <-calls:
		if c.device != "ROBOT1" || c.cmd != shadow.CommandDock {
			t.Errorf("call = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("command not dispatched")
	}

	client.deliver("irbt/+/set", "irbt/ROBOT1/set", []byte("dance"))
	client.deliver("irbt/+/set", "irbt/a/b/set", []byte("start"))
	select {
	case c := <-calls:
		t.Errorf("unexpected call %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseVacuumCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    shadow.Command
		wantErr bool
	}{
		{"start", shadow.CommandStart, false},
		{"PAUSE", shadow.CommandPause, false},
		{"return_to_base", shadow.CommandDock, false},
		{"locate", shadow.CommandFind, false},
		{`{"command":"stop"}`, shadow.CommandStop, false},
		{"resume", shadow.CommandResume, false},
		{"status", "", true},
		{"clean_spot", "", true},
		{"{", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := parseVacuumCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("command = %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := parseVacuumCommand([]byte("dance")); !errors.Is(err, shadow.ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestVacuumState(t *testing.T) {
	tests := []struct {
		phase, cycle, want string
	}{
		{"run", "clean", "cleaning"},
		{"hmUsrDock", "none", "returning"},
		{"charge", "none", "docked"},
		{"stuck", "clean", "error"},
		{"stop", "clean", "paused"},
		{"stop", "none", "idle"},
		{"", "", ""},
	}
	for _, tt := range tests {
		state := map[string]any{"cleanMissionStatus": map[string]any{"phase": tt.phase, "cycle": tt.cycle}}
		if got := vacuumState(state); got != tt.want {
			t.Errorf("vacuumState(%s/%s) = %q, want %q", tt.phase, tt.cycle, got, tt.want)
		}
	}
	if got := vacuumState(map[string]any{}); got != "" {
		t.Errorf("no mission status = %q", got)
	}
}

func TestTopicName(t *testing.T) {
	if got := topicName("AB12-cd_3"); got != "AB12-cd_3" {
		t.Errorf("topicName = %q", got)
	}
	if got := topicName("a/b+#c"); got != "a_b__c" {
		t.Errorf("topicName = %q", got)
	}
}

func TestDiscoveryFallsBackToDeviceID(t *testing.T) {
	msgs := buildDiscovery("ROBOT9", map[string]any{}, "irbt")
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	var payload haDiscovery
	if err := json.Unmarshal(msgs[1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "ROBOT9 Battery" || payload.UnitOfMeasurement != "%" || payload.ValueTemplate != "{{ value_json.batPct }}" {
		t.Errorf("battery discovery = %+v", payload)
	}
}
