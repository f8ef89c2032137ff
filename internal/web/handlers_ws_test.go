package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"irbt-go/internal/cloud/cloudtest"
	"irbt-go/internal/store"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func testEvent(id string) StatusEvent {
	return newStatusEvent(id, false, map[string]any{"batPct": 100}, time.Unix(0, 0))
}

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for clientCount(h) != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", clientCount(h), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHubJoinLeave(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.join <- joinRequest{client: client}
	waitForClients(t, hub, 1)

	hub.leave <- client
	waitForClients(t, hub, 0)
	if _, ok := <-client.send; ok {
		t.Error("send queue should be closed after leave")
	}
}

func receive(t *testing.T, c *wsClient) StatusEvent {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send queue closed")
		}
		var ev StatusEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return StatusEvent{}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.join <- joinRequest{client: c1}
	hub.join <- joinRequest{client: c2}
	waitForClients(t, hub, 2)

	hub.Broadcast(testEvent("dev1"))

	for i, c := range []*wsClient{c1, c2} {
		if ev := receive(t, c); ev.Type != "status" || ev.DeviceID != "dev1" {
			t.Errorf("client %d got %+v", i, ev)
		}
	}
}

func TestWSHubFollowsOneRobot(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	one := &wsClient{device: "dev2", send: make(chan []byte, 16)}
	all := &wsClient{send: make(chan []byte, 16)}
	hub.join <- joinRequest{client: one}
	hub.join <- joinRequest{client: all}
	waitForClients(t, hub, 2)

	hub.Broadcast(testEvent("dev1"))
	hub.Broadcast(testEvent("dev2"))

	if ev := receive(t, one); ev.DeviceID != "dev2" {
		t.Errorf("filtered client got %q first", ev.DeviceID)
	}
	if ev := receive(t, all); ev.DeviceID != "dev1" {
		t.Errorf("unfiltered client got %q first", ev.DeviceID)
	}
	if ev := receive(t, all); ev.DeviceID != "dev2" {
		t.Errorf("unfiltered client got %q second", ev.DeviceID)
	}
	select {
	case msg := <-one.send:
		t.Errorf("filtered client got extra event %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWSHubGreetingPrecedesLiveEvents(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.join <- joinRequest{client: client, greeting: []StatusEvent{testEvent("cached")}}
	hub.Broadcast(testEvent("live"))

	if ev := receive(t, client); ev.DeviceID != "cached" {
		t.Errorf("first event = %q, want cached", ev.DeviceID)
	}
	if ev := receive(t, client); ev.DeviceID != "live" {
		t.Errorf("second event = %q, want live", ev.DeviceID)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.join <- joinRequest{client: slow}
	hub.join <- joinRequest{client: fast}
	waitForClients(t, hub, 2)

	hub.Broadcast(testEvent("a"))
	hub.Broadcast(testEvent("b"))
	waitForClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubOversizedGreetingDropsClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 1)}
	hub.join <- joinRequest{client: client, greeting: []StatusEvent{testEvent("a"), testEvent("b")}}
	waitForClients(t, hub, 0)

	<-client.send
	if _, ok := <-client.send; ok {
		t.Error("send queue should be closed")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running: nothing drains the queue.
	for i := 0; i < 256; i++ {
		hub.Broadcast(testEvent("fill"))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(testEvent("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.join <- joinRequest{client: client}
	waitForClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send was not closed")
	}
}

func TestStatusEventType(t *testing.T) {
	if ev := newStatusEvent("d", true, nil, time.Time{}); ev.Type != "delta" {
		t.Errorf("delta type = %q", ev.Type)
	}
	if ev := newStatusEvent("d", false, nil, time.Time{}); ev.Type != "status" {
		t.Errorf("snapshot type = %q", ev.Type)
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) StatusEvent {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestWSStreamsCommandStatus(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, env.srv.wsHub, 1)

	env.do("POST", "/api/devices/"+cloudtest.DeviceID+"/command", `{"command":"status"}`)
	ev := readEvent(t, ctx, conn)
	if ev.Type != "status" || ev.DeviceID != cloudtest.DeviceID || ev.Reported["name"] != "Lemon" {
		t.Errorf("status event = %+v", ev)
	}

	env.dialer.transport(0).deliver(`{"state":{"batPct":12}}`)
	ev = readEvent(t, ctx, conn)
	if ev.Type != "delta" || ev.Reported["batPct"] != float64(12) {
		t.Errorf("delta event = %+v", ev)
	}
}

func TestWSGreetsWithCachedStatus(t *testing.T) {
	env := setupTestServer(t)
	if err := env.store.SaveStatus(&store.StatusRecord{
		DeviceID: cloudtest.DeviceID,
		Reported: map[string]any{"name": "Lemon"},
	}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ev := readEvent(t, ctx, conn)
	if ev.DeviceID != cloudtest.DeviceID || ev.Reported["name"] != "Lemon" {
		t.Errorf("greeting = %+v", ev)
	}
}

func TestWSDeviceQueryFiltersGreeting(t *testing.T) {
	env := setupTestServer(t)
	for _, id := range []string{"OTHER", cloudtest.DeviceID} {
		if err := env.store.SaveStatus(&store.StatusRecord{
			DeviceID: id,
			Reported: map[string]any{"name": id},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.srv.cachedEvents(&wsClient{device: cloudtest.DeviceID}); len(got) != 1 {
		t.Fatalf("cached events = %+v, want one", got)
	}
	if got := env.srv.cachedEvents(&wsClient{}); len(got) != 2 {
		t.Fatalf("cached events = %d, want 2", len(got))
	}
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?device=" + cloudtest.DeviceID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.DeviceID != cloudtest.DeviceID {
		t.Errorf("greeting for %q, want only %q", ev.DeviceID, cloudtest.DeviceID)
	}
}
