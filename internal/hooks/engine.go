//go:build !no_hooks

// Package hooks runs a user Lua script on every robot status update.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"irbt-go/internal/shadow"
)

// DefaultTimeout bounds a single on_status call.
const DefaultTimeout = 2 * time.Second

// ErrNoHandler is returned when the script does not define on_status.
var ErrNoHandler = errors.New("script does not define on_status")

// Engine owns one sandboxed Lua VM. All Lua access goes through the
// command loop goroutine.
type Engine struct {
	state    *lua.LState
	handler  *lua.LFunction
	commands chan func(*lua.LState)
	timeout  time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
}

// Load reads a script file and starts an engine for it.
func Load(path string, timeout time.Duration, logger *slog.Logger) (*Engine, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook script: %w", err)
	}
	return NewEngine(string(code), timeout, logger.With("script", path))
}

// NewEngine runs the top-level code of script and starts the command loop.
func NewEngine(script string, timeout time.Duration, logger *slog.Logger) (*Engine, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	e := &Engine{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		timeout:  timeout,
		logger:   logger.With("component", "hooks"),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.registerModule(L)

	loadCtx, loadCancel := context.WithTimeout(ctx, timeout)
	L.SetContext(loadCtx)
	err := L.DoString(script)
	L.RemoveContext()
	loadCancel()
	if err != nil {
		cancel()
		L.Close()
		return nil, fmt.Errorf("execute hook script: %s", describe(err, timeout))
	}

	fn, ok := L.GetGlobal("on_status").(*lua.LFunction)
	if !ok {
		cancel()
		L.Close()
		return nil, ErrNoHandler
	}
	e.handler = fn

	// Command loop. On Close it runs what is still queued, then exits.
	go func() {
		defer close(e.done)
		defer L.Close()
		for {
			select {
			case <-e.quit:
				for {
					select {
					case cmd := <-e.commands:
						cmd(L)
					default:
						return
					}
				}
			case cmd := <-e.commands:
				cmd(L)
			}
		}
	}()

	e.logger.Info("hook script loaded")
	return e, nil
}

// Observe queues snap for on_status without waiting. It matches the
// dispatcher observer signature; failures are logged.
func (e *Engine) Observe(snap shadow.Snapshot) {
	select {
	case <-e.quit:
		return
	default:
	}
	select {
	case e.commands <- func(L *lua.LState) {
		if err := e.call(L, snap); err != nil {
			e.logger.Warn("on_status failed", "device", snap.DeviceID, "err", err)
		}
	}:
	default:
		e.logger.Warn("hook command channel full, dropping status")
	}
}

// Handle calls on_status with snap and waits for it to return.
func (e *Engine) Handle(ctx context.Context, snap shadow.Snapshot) error {
	result := make(chan error, 1)
	select {
	case <-e.quit:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.commands <- func(L *lua.LState) { result <- e.call(L, snap) }:
	}
	select {
	case err := <-result:
		return err
	case <-e.done:
		select {
		case err := <-result:
			return err
		default:
			return errClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errClosed = errors.New("hook engine closed")

// Close stops accepting updates, runs the ones already queued, each under
// the call timeout, and releases the VM.
func (e *Engine) Close() {
	e.stop.Do(func() {
		close(e.quit)
		<-e.done
		e.cancel()
	})
}

func (e *Engine) call(L *lua.LState, snap shadow.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua handler panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{
		Fn:      e.handler,
		NRet:    0,
		Protect: true,
	}, eventTable(L, snap)); err != nil {
		return errors.New(describe(err, e.timeout))
	}
	return nil
}

func eventTable(L *lua.LState, snap shadow.Snapshot) *lua.LTable {
	kind := "snapshot"
	if snap.Delta {
		kind = "delta"
	}
	t := L.NewTable()
	t.RawSetString("device", lua.LString(snap.DeviceID))
	t.RawSetString("kind", lua.LString(kind))
	t.RawSetString("reported", goToLua(L, snap.Reported))
	t.RawSetString("raw", lua.LString(string(snap.Raw)))
	return t
}

func (e *Engine) registerModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("warn", L.NewFunction(func(L *lua.LState) int {
		e.logger.Warn("script log", "msg", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("irbt", mod)
}

func describe(err error, timeout time.Duration) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", timeout)
	}
	return msg
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
