package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config models stageline.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.BasePath, validation.Required, validation.By(func(v any) error {
			if s, _ := v.(string); !strings.HasPrefix(s, "/") {
				return fmt.Errorf("must start with /")
			}
			return nil
		})),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In(LogFormatJSON, LogFormatText)),
	)
}

// SlogLevel maps the configured level; unknown values fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type CapacityConfig struct {
	// TaskLimit is the number of open tasks per project. Zero disables the limit.
	TaskLimit int `yaml:"task_limit"`
}

func (c *CapacityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TaskLimit, validation.Min(0)),
	)
}

type HistoryConfig struct {
	// RetryMaxElapsed bounds retries of a failed history append. Zero means one attempt.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

func (c *HistoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RetryMaxElapsed, validation.Min(time.Duration(0))),
	)
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Stdout exports spans and metrics to stderr for local inspection.
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// AllowActorHeader accepts X-Actor-Id without a token. Meant for local use.
	AllowActorHeader bool `yaml:"allow_actor_header"`
}

func (c *AuthConfig) Validate() error {
	if c.JWTSecret == "" && !c.AllowActorHeader {
		return fmt.Errorf("auth: set jwt_secret or allow_actor_header")
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.JWTSecret, validation.When(c.JWTSecret != "", validation.Length(16, 0))),
	)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Capacity.Validate(); err != nil {
		return fmt.Errorf("capacity: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return c.Auth.Validate()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with stageline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML expands ${VAR} references, decodes over the defaults and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  shutdown_timeout: 10s

log:
  level: info
  format: json

capacity:
  task_limit: 5

history:
  retry_max_elapsed: 10s

telemetry:
  enabled: false
  stdout: false
  service_name: stageline

auth:
  jwt_secret: ""
  allow_actor_header: true
`
