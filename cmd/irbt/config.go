package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"irbt-go/internal/cloud"
	"irbt-go/internal/hooks"
	"irbt-go/internal/shadow"
)

// errConfiguration is returned when the account credentials are missing or
// the configuration file is invalid.
var errConfiguration = errors.New("configuration error")

type Config struct {
	Cloud struct {
		CountryCode  string `yaml:"country_code"`
		DiscoveryURL string `yaml:"discovery_url"`
		IdentityURL  string `yaml:"identity_url"` // overrides the discovered identity provider
		AppID        string `yaml:"app_id"`
		HTTPTimeout  string `yaml:"http_timeout"`
	} `yaml:"cloud"`
	MQTT struct {
		ClientID         string `yaml:"client_id"`
		ConnectTimeout   string `yaml:"connect_timeout"`
		OperationTimeout string `yaml:"operation_timeout"`
		StatusTimeout    string `yaml:"status_timeout"`
	} `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"` // empty keeps state in memory
	} `yaml:"store"`
	Hooks struct {
		Script  string `yaml:"script"`
		Timeout string `yaml:"timeout"`
	} `yaml:"hooks"`
	Bridge struct {
		Broker      string `yaml:"broker"` // empty disables the bridge
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"bridge"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// timeouts holds the parsed duration settings.
type timeouts struct {
	HTTP      time.Duration
	Connect   time.Duration
	Operation time.Duration
	Status    time.Duration
	Hooks     time.Duration
}

func (c *Config) timeouts() (timeouts, error) {
	var t timeouts
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"cloud.http_timeout", c.Cloud.HTTPTimeout, &t.HTTP},
		{"mqtt.connect_timeout", c.MQTT.ConnectTimeout, &t.Connect},
		{"mqtt.operation_timeout", c.MQTT.OperationTimeout, &t.Operation},
		{"mqtt.status_timeout", c.MQTT.StatusTimeout, &t.Status},
		{"hooks.timeout", c.Hooks.Timeout, &t.Hooks},
	} {
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return timeouts{}, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return timeouts{}, fmt.Errorf("%s must be positive, got %s", d.key, d.val)
		}
		*d.dst = v
	}
	return t, nil
}

func (c *Config) validate() error {
	if _, err := c.timeouts(); err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}
	if c.Bridge.Broker != "" && strings.ContainsAny(c.Bridge.TopicPrefix, "+#") {
		return fmt.Errorf("%w: bridge.topic_prefix must not contain MQTT wildcards", errConfiguration)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", errConfiguration, c.Log.Format)
	}
	return nil
}

// loadConfig reads the YAML file at path and fills in defaults. A missing
// file is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		case err != nil:
			return nil, fmt.Errorf("%w: read config: %w", errConfiguration, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%w: parse config: %w", errConfiguration, err)
			}
		}
	}

	if cfg.Cloud.CountryCode == "" {
		cfg.Cloud.CountryCode = cloud.DefaultCountryCode
	}
	if cfg.Cloud.DiscoveryURL == "" {
		cfg.Cloud.DiscoveryURL = cloud.DefaultDiscoveryURL
	}
	if cfg.Cloud.AppID == "" {
		cfg.Cloud.AppID = cloud.DefaultAppID
	}
	if cfg.Cloud.HTTPTimeout == "" {
		cfg.Cloud.HTTPTimeout = "30s"
	}
	if cfg.MQTT.ConnectTimeout == "" {
		cfg.MQTT.ConnectTimeout = shadow.DefaultConnectTimeout.String()
	}
	if cfg.MQTT.OperationTimeout == "" {
		cfg.MQTT.OperationTimeout = shadow.DefaultOperationTimeout.String()
	}
	if cfg.MQTT.StatusTimeout == "" {
		cfg.MQTT.StatusTimeout = shadow.DefaultStatusTimeout.String()
	}
	if cfg.Hooks.Timeout == "" {
		cfg.Hooks.Timeout = hooks.DefaultTimeout.String()
	}
	if cfg.Bridge.TopicPrefix == "" {
		cfg.Bridge.TopicPrefix = "irbt"
	}
	if cfg.Bridge.ClientID == "" {
		cfg.Bridge.ClientID = "irbt-bridge"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// credentials reads the account login from the environment.
func credentials() (username, password string, err error) {
	username, password = os.Getenv("IRBT_LOGIN"), os.Getenv("IRBT_PASSWORD")
	if username == "" || password == "" {
		return "", "", fmt.Errorf("%w: IRBT_LOGIN or IRBT_PASSWORD are not set", errConfiguration)
	}
	return username, password, nil
}

// newLogger builds the process logger. Diagnostics go to w so that stdout
// carries only command output.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
