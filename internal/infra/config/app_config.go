// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names overlaid on top of the YAML file.
const (
	EnvVarClientID     = "CLIENT_ID"
	EnvVarClientSecret = "CLIENT_SECRET"
	EnvVarEnvironment  = "ENV"
	EnvVarDatabaseURI  = "DATABASE_URI"
	EnvVarDBPath       = "YAPPER_DB_PATH"
)

// StoreConfig selects and tunes the storage backend.
type StoreConfig struct {
	// Path is the SQLite file for the embedded backend. Empty means in-memory.
	Path string `yaml:"path"`
	// URI is the PostgreSQL connection string for the networked backend.
	URI            string `yaml:"uri"`
	MaxConns       int    `yaml:"maxConns"`
	RetryAttempts  int    `yaml:"retryAttempts"`
	SkipMigrations bool   `yaml:"skipMigrations"`
}

// DispatchConfig sizes handler execution.
type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
	MaxDepth       int           `yaml:"maxDepth"`
	StopGrace      time.Duration `yaml:"stopGrace"`
}

// EmitConfig rate limits Emit. A zero rate disables limiting.
type EmitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// ReplayConfig controls backlog replay at start. A zero window disables it.
type ReplayConfig struct {
	Since time.Duration `yaml:"since"`
}

// RetentionConfig controls the periodic purge of old events. A zero MaxAge keeps everything.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"maxAge"`
	Interval time.Duration `yaml:"interval"`
}

// PollConfig controls how a running broker follows events other brokers
// append to the shared store. Lookback is how far behind the newest seen
// event each poll rereads.
type PollConfig struct {
	Disabled bool          `yaml:"disabled"`
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified broker configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment   Environment     `yaml:"environment"`
	ClientID      string          `yaml:"clientId"`
	ClientSecret  string          `yaml:"clientSecret"`
	RequireSecret bool            `yaml:"requireSecret"`
	Store         StoreConfig     `yaml:"store"`
	Dispatch      DispatchConfig  `yaml:"dispatch"`
	Emit          EmitConfig      `yaml:"emit"`
	Replay        ReplayConfig    `yaml:"replay"`
	Retention     RetentionConfig `yaml:"retention"`
	Poll          PollConfig      `yaml:"poll"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// Default returns a development configuration with every default applied.
// ClientID is left empty and must be supplied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDevelopment}
	cfg.Normalise()
	return cfg
}

// Load reads the YAML file at configPath, overlays the process environment,
// and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	return load(ctx, configPath, os.LookupEnv)
}

// LoadOrDefault behaves like Load but starts from Default when configPath is empty.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return FromEnv(os.LookupEnv)
	}
	return Load(ctx, configPath)
}

// FromEnv builds a configuration purely from environment lookups.
func FromEnv(lookup func(string) (string, bool)) (AppConfig, error) {
	var cfg AppConfig
	if err := cfg.ApplyEnv(lookup); err != nil {
		return AppConfig{}, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func load(ctx context.Context, configPath string, lookup func(string) (string, bool)) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return AppConfig{}, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty environment values onto the configuration.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvVarClientID); ok {
		c.ClientID = v
	}
	if v, ok := get(EnvVarClientSecret); ok {
		c.ClientSecret = v
	}
	if v, ok := get(EnvVarEnvironment); ok {
		c.Environment = Environment(v)
	}
	if v, ok := get(EnvVarDatabaseURI); ok {
		c.Store.URI = v
	}
	if v, ok := get(EnvVarDBPath); ok {
		c.Store.Path = v
	}
	if v, ok := get("YAPPER_REQUIRE_SECRET"); ok {
		required, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("YAPPER_REQUIRE_SECRET: %w", err)
		}
		c.RequireSecret = required
	}
	return nil
}

// Normalise trims string fields and fills zero values with defaults.
func (c *AppConfig) Normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)

	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path != "" && c.Store.Path != ":memory:" {
		c.Store.Path = filepath.Clean(c.Store.Path)
	}
	c.Store.URI = strings.TrimSpace(c.Store.URI)
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = 10
	}
	if c.Store.RetryAttempts <= 0 {
		c.Store.RetryAttempts = 3
	}

	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 1024
	}
	if c.Dispatch.HandlerTimeout <= 0 {
		c.Dispatch.HandlerTimeout = 30 * time.Second
	}
	if c.Dispatch.MaxDepth <= 0 {
		c.Dispatch.MaxDepth = 8
	}
	if c.Dispatch.StopGrace <= 0 {
		c.Dispatch.StopGrace = 5 * time.Second
	}

	if c.Emit.Rate > 0 && c.Emit.Burst <= 0 {
		c.Emit.Burst = 1
	}
	if c.Retention.MaxAge > 0 && c.Retention.Interval <= 0 {
		c.Retention.Interval = time.Hour
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = time.Second
	}
	if c.Poll.Lookback == 0 {
		c.Poll.Lookback = 5 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "yapper"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	backend, err := c.Environment.Backend()
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client id is required")
	}
	if c.RequireSecret && strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("client secret is required")
	}
	if backend == BackendNetworked && strings.TrimSpace(c.Store.URI) == "" {
		return fmt.Errorf("database uri is required for %s environment", c.Environment)
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch workers must be >=0")
	}
	if c.Emit.Rate < 0 {
		return fmt.Errorf("emit rate must be >=0")
	}
	if c.Replay.Since < 0 {
		return fmt.Errorf("replay since must be >=0")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention maxAge must be >=0")
	}
	if c.Poll.Interval < 0 || c.Poll.Lookback < 0 {
		return fmt.Errorf("poll interval and lookback must be >=0")
	}
	return nil
}

// Backend resolves the storage backend for the configured environment.
func (c AppConfig) Backend() (Backend, error) {
	return c.Environment.Backend()
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
