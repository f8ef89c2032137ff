//go:build !no_hooks

package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"irbt-go/internal/shadow"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEngine(t *testing.T, script string, timeout time.Duration) (*Engine, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))
	e, err := NewEngine(script, timeout, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e, out
}

func snapshot(t *testing.T, doc string, delta bool) shadow.Snapshot {
	t.Helper()
	snap, err := shadow.ParseSnapshot("dev1", []byte(doc), delta)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestOnStatusReceivesEvent(t *testing.T) {
	e, out := newTestEngine(t, `
function on_status(event)
  irbt.log(string.format("%s %s %d %s", event.device, event.kind,
    event.reported.batPct, tostring(event.reported.bin.full)))
end`, time.Second)

	snap := snapshot(t, `{"state":{"reported":{"batPct":97,"bin":{"full":false}}}}`, false)
	if err := e.Handle(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "dev1 snapshot 97 false") {
		t.Errorf("log = %s", out.String())
	}
}

func TestHandlerErrorIsNotFatal(t *testing.T) {
	e, out := newTestEngine(t, `
function on_status(event)
  if event.kind == "delta" then error("boom") end
  irbt.log("handled " .. event.kind)
end`, time.Second)

	err := e.Handle(context.Background(), snapshot(t, `{"state":{"batPct":1}}`, true))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := e.Handle(context.Background(), snapshot(t, `{"state":{"reported":{}}}`, false)); err != nil {
		t.Fatalf("engine unusable after error: %v", err)
	}
	if !strings.Contains(out.String(), "handled snapshot") {
		t.Errorf("log = %s", out.String())
	}
}

func TestObserveRunsInOrder(t *testing.T) {
	e, out := newTestEngine(t, `
function on_status(event)
  irbt.log("seen " .. event.kind)
end`, time.Second)

	e.Observe(snapshot(t, `{"state":{"batPct":5}}`, true))
	if err := e.Handle(context.Background(), snapshot(t, `{"state":{"reported":{}}}`, false)); err != nil {
		t.Fatal(err)
	}
	log := out.String()
	if i, j := strings.Index(log, "seen delta"), strings.Index(log, "seen snapshot"); i < 0 || j < 0 || i > j {
		t.Errorf("log = %s", log)
	}
}

func TestCloseRunsQueuedUpdates(t *testing.T) {
	out := &syncBuffer{}
	e, err := NewEngine(`
function on_status(event)
  irbt.log("seen " .. event.device)
end`, time.Second, slog.New(slog.NewTextHandler(out, nil)))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		e.Observe(snapshot(t, `{"state":{"reported":{}}}`, false))
	}
	e.Close()

	if n := strings.Count(out.String(), "seen dev1"); n != 10 {
		t.Errorf("on_status ran %d times, want 10\n%s", n, out.String())
	}

	e.Observe(snapshot(t, `{"state":{"reported":{}}}`, false))
	if err := e.Handle(context.Background(), snapshot(t, `{"state":{"reported":{}}}`, false)); err == nil {
		t.Error("Handle after Close should fail")
	}
	e.Close()
}

func TestHandlerTimeout(t *testing.T) {
	e, _ := newTestEngine(t, `
function on_status(event)
  while true do end
end`, 50*time.Millisecond)

	err := e.Handle(context.Background(), snapshot(t, `{"state":{"reported":{}}}`, false))
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestMissingHandler(t *testing.T) {
	_, err := NewEngine(`x = 1`, time.Second, slog.Default())
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestSandbox(t *testing.T) {
	for _, name := range []string{"os", "io", "require", "dofile", "loadfile", "load", "debug", "package"} {
		t.Run(name, func(t *testing.T) {
			script := `assert(` + name + ` == nil, "` + name + ` is reachable")
function on_status(event) end`
			e, err := NewEngine(script, time.Second, slog.Default())
			if err != nil {
				t.Fatal(err)
			}
			e.Close()
		})
	}

	if _, err := NewEngine(`os.exit(1)`, time.Second, slog.Default()); err == nil {
		t.Error("os.exit should fail")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.lua")
	if err := os.WriteFile(path, []byte(`function on_status(event) end`), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := Load(path, 0, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	e.Close()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.lua"), 0, slog.Default()); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"float64", 3.14, lua.LTNumber},
		{"int", 42, lua.LTNumber},
		{"map", map[string]any{"a": 1.0}, lua.LTTable},
		{"slice", []any{1.0, 2.0}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}
