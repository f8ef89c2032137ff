package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"irbt-go/internal/cloud"
	"irbt-go/internal/shadow"
	"irbt-go/internal/store"
)

// commandFunc sends one command to a robot.
type commandFunc func(ctx context.Context, deviceID string, cmd shadow.Command) error

// app wires the cloud session, the state store and the command dispatcher
// for one process.
type app struct {
	cfg      *Config
	timeouts timeouts
	logger   *slog.Logger

	session *cloud.Session
	client  *cloud.Client
	dir     *cloud.Directory
	store   store.Store

	observers []func(shadow.Snapshot)
	closers   []func()

	// bridgeCommands routes commands from the MQTT bridge; nil without a
	// broker.
	bridgeCommands func(commandFunc)

	// dialer replaces the AWS IoT dialer when set.
	dialer shadow.Dialer
}

func newApp(cfg *Config, username, password string, logger *slog.Logger) (*app, error) {
	t, err := cfg.timeouts()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfiguration, err)
	}
	a := &app{cfg: cfg, timeouts: t, logger: logger}

	if cfg.Store.Path != "" {
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = db
	} else {
		a.store = store.NewMemoryStore()
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	})
	a.observers = append(a.observers, store.StatusRecorder(a.store, logger))

	observe, stop, err := initHooks(cfg, t, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if observe != nil {
		a.observers = append(a.observers, observe)
	}
	a.closers = append(a.closers, stop)

	observe, handle, stop, err := initBridge(cfg, t, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if observe != nil {
		a.observers = append(a.observers, observe)
	}
	a.bridgeCommands = handle
	a.closers = append(a.closers, stop)

	httpClient := &http.Client{Timeout: t.HTTP}
	opts := []cloud.Option{
		cloud.WithHTTPClient(httpClient),
		cloud.WithDiscoveryURL(cfg.Cloud.DiscoveryURL),
		cloud.WithCountryCode(cfg.Cloud.CountryCode),
		cloud.WithAppID(cfg.Cloud.AppID),
		cloud.WithLogger(logger),
	}
	if cfg.Cloud.IdentityURL != "" {
		opts = append(opts, cloud.WithIdentityURL(cfg.Cloud.IdentityURL))
	}
	a.session = cloud.NewSession(username, password, opts...)
	a.client = cloud.NewClient(a.session, httpClient, logger)
	a.dir = cloud.NewDirectory(a.client, cfg.Cloud.AppID)
	return a, nil
}

func (a *app) login(ctx context.Context) error {
	return a.session.Login(ctx)
}

func (a *app) robot(deviceID string) *cloud.Robot {
	return cloud.NewRobot(a.client, deviceID, a.store)
}

// dispatcher builds the command dispatcher. It needs a completed login for
// the discovered topic prefix.
func (a *app) dispatcher() (*shadow.Dispatcher, error) {
	disc, err := a.session.Discovery()
	if err != nil {
		return nil, err
	}
	dialer := a.dialer
	if dialer == nil {
		dialer = shadow.NewIoTDialer(a.session, shadow.IoTConfig{
			ClientID:         a.cfg.MQTT.ClientID,
			ConnectTimeout:   a.timeouts.Connect,
			OperationTimeout: a.timeouts.Operation,
		}, a.logger)
	}
	opts := []shadow.DispatcherOption{
		shadow.WithStatusTimeout(a.timeouts.Status),
		shadow.WithLogger(a.logger),
	}
	for _, fn := range a.observers {
		opts = append(opts, shadow.WithObserver(fn))
	}
	return shadow.NewDispatcher(dialer, disc.TopicPrefix, opts...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
