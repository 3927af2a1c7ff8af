// Package config manages client configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig locates the board server.
type ServerConfig struct {
	WebsocketURL   string        `yaml:"websocketURL"`
	APIURL         string        `yaml:"apiURL"`
	UserAgent      string        `yaml:"userAgent"`
	ReadLimitBytes int64         `yaml:"readLimitBytes"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
}

// ViewConfig selects the board index or thread being displayed.
type ViewConfig struct {
	Board  string `yaml:"board"`
	Thread uint64 `yaml:"thread"`
	LastN  int    `yaml:"lastN"`
}

// ReconnectConfig shapes the exponential backoff applied between dial attempts.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// SyncConfig bounds the reconciliation steps run after each connect.
type SyncConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReclaimTimeout   time.Duration `yaml:"reclaimTimeout"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
	FetchConcurrency int           `yaml:"fetchConcurrency"`
}

// APIConfig paces the HTTP API client.
type APIConfig struct {
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

// StorageConfig locates client side persistence.
type StorageConfig struct {
	MinePath string `yaml:"minePath"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ClientConfig is the unified threadline configuration sourced from YAML.
type ClientConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	View        ViewConfig      `yaml:"view"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	Sync        SyncConfig      `yaml:"sync"`
	API         APIConfig       `yaml:"api"`
	Storage     StorageConfig   `yaml:"storage"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration pointing at a local development server.
func Default() ClientConfig {
	return ClientConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			WebsocketURL:   "ws://localhost:8000/api/socket",
			APIURL:         "http://localhost:8000",
			UserAgent:      "threadline/1.0",
			ReadLimitBytes: 1 << 20,
			PingInterval:   30 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		View: ViewConfig{Board: "all"},
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      1.5,
		},
		Sync: SyncConfig{
			HandshakeTimeout: 10 * time.Second,
			ReclaimTimeout:   5 * time.Second,
			FetchTimeout:     10 * time.Second,
			FetchConcurrency: 8,
		},
		API: APIConfig{
			RequestTimeout:    15 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Storage: StorageConfig{MinePath: "mine.json"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "threadline",
			EnableMetrics: true,
		},
	}
}

// Load reads and validates a ClientConfig from the provided YAML file.
// Fields absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (ClientConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return ClientConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return ClientConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (ClientConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *ClientConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Server.WebsocketURL = strings.TrimSpace(c.Server.WebsocketURL)
	c.Server.APIURL = strings.TrimRight(strings.TrimSpace(c.Server.APIURL), "/")
	c.Server.UserAgent = strings.TrimSpace(c.Server.UserAgent)
	c.View.Board = normalizeBoard(c.View.Board)
	c.Storage.MinePath = strings.TrimSpace(c.Storage.MinePath)
	if c.Storage.MinePath != "" {
		c.Storage.MinePath = filepath.Clean(c.Storage.MinePath)
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.View.LastN < 0 {
		c.View.LastN = 0
	}
	if c.Reconnect.MaxInterval > 0 && c.Reconnect.InitialInterval > c.Reconnect.MaxInterval {
		c.Reconnect.InitialInterval = c.Reconnect.MaxInterval
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 1
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c ClientConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := validateURL(c.Server.WebsocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server websocketURL: %w", err)
	}
	if err := validateURL(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server apiURL: %w", err)
	}
	if c.Server.ReadLimitBytes <= 0 {
		return fmt.Errorf("server readLimitBytes must be >0")
	}
	if c.Server.PingInterval < 0 {
		return fmt.Errorf("server pingInterval must be >=0")
	}
	if c.Server.DialTimeout <= 0 {
		return fmt.Errorf("server dialTimeout must be >0")
	}

	if c.View.Board == "" {
		return fmt.Errorf("view board required")
	}

	if c.Reconnect.InitialInterval <= 0 {
		return fmt.Errorf("reconnect initialInterval must be >0")
	}
	if c.Reconnect.MaxInterval <= 0 {
		return fmt.Errorf("reconnect maxInterval must be >0")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >=1")
	}

	if c.Sync.HandshakeTimeout <= 0 {
		return fmt.Errorf("sync handshakeTimeout must be >0")
	}
	if c.Sync.ReclaimTimeout <= 0 {
		return fmt.Errorf("sync reclaimTimeout must be >0")
	}
	if c.Sync.FetchTimeout <= 0 {
		return fmt.Errorf("sync fetchTimeout must be >0")
	}
	if c.Sync.FetchConcurrency <= 0 {
		return fmt.Errorf("sync fetchConcurrency must be >0")
	}

	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api requestTimeout must be >0")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("api requestsPerSecond must be >0")
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must use %s", raw, strings.Join(schemes, " or "))
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open client config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
