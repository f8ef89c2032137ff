//go:build no_hooks

// Package hooks is compiled out in this build; Load always fails.
package hooks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"irbt-go/internal/shadow"
)

const DefaultTimeout = 2 * time.Second

var (
	ErrNoHandler = errors.New("script does not define on_status")
	errDisabled  = errors.New("hooks are disabled in this build")
)

// Engine is a placeholder so callers compile without the Lua runtime.
type Engine struct{}

func Load(string, time.Duration, *slog.Logger) (*Engine, error) { return nil, errDisabled }

func NewEngine(string, time.Duration, *slog.Logger) (*Engine, error) { return nil, errDisabled }

func (e *Engine) Observe(shadow.Snapshot) {}

func (e *Engine) Handle(context.Context, shadow.Snapshot) error { return errDisabled }

func (e *Engine) Close() {}
