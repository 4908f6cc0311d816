package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for channelhub.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Data      DataConfig      `json:"data" yaml:"data"`
	Persist   PersistConfig   `json:"persist" yaml:"persist"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`                   // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// ServerConfig configures the coordination server and its HTTP API.
type ServerConfig struct {
	Host                string   `json:"host" yaml:"host"`
	Port                int      `json:"port" yaml:"port"`
	WSPath              string   `json:"wsPath" yaml:"wsPath"`
	AllowedOrigins      []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"` // empty = same host only
	MaxMessageBytes     int64    `json:"maxMessageBytes" yaml:"maxMessageBytes"`
	SendBuffer          int      `json:"sendBuffer" yaml:"sendBuffer"` // outbound frames queued per connection
	WriteTimeoutSeconds int      `json:"writeTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	PingIntervalSeconds int      `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	EventsPerSecond     float64  `json:"eventsPerSecond" yaml:"eventsPerSecond"` // 0 = unlimited
	EventBurst          int      `json:"eventBurst" yaml:"eventBurst"`
	MaxHistory          int      `json:"maxHistory" yaml:"maxHistory"` // in-memory messages per channel
}

type StoreConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend string      `json:"backend" yaml:"backend"` // "sqlite" | "redis"
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// DataConfig selects where shared data blobs live.
type DataConfig struct {
	Backend      string `json:"backend" yaml:"backend"` // "sqlite" | "pebble"
	PebblePath   string `json:"pebblePath" yaml:"pebblePath"`
	MaxBlobBytes int    `json:"maxBlobBytes" yaml:"maxBlobBytes"`
}

// PersistConfig sizes the write-behind pipe for correlated messages.
type PersistConfig struct {
	BufferSize int `json:"bufferSize" yaml:"bufferSize"`
}

// RetentionConfig schedules the data blob sweeper.
type RetentionConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Cron         string `json:"cron" yaml:"cron"`
	DataTTLHours int    `json:"dataTTLHours" yaml:"dataTTLHours"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfigDir returns the default config directory (~/.channelhub).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".channelhub"
	}
	return filepath.Join(home, ".channelhub")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Data.PebblePath = ExpandPath(cfg.Data.PebblePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, "server.wsPath must start with /")
	}
	if cfg.Server.MaxMessageBytes < 1024 {
		errs = append(errs, "server.maxMessageBytes must be >= 1024")
	}
	if cfg.Server.SendBuffer < 1 {
		errs = append(errs, "server.sendBuffer must be >= 1")
	}
	if cfg.Server.WriteTimeoutSeconds < 1 {
		errs = append(errs, "server.writeTimeoutSeconds must be >= 1")
	}
	if cfg.Server.PingIntervalSeconds < 1 {
		errs = append(errs, "server.pingIntervalSeconds must be >= 1")
	}
	if cfg.Server.EventsPerSecond < 0 {
		errs = append(errs, "server.eventsPerSecond must be >= 0")
	}
	if cfg.Server.EventsPerSecond > 0 && cfg.Server.EventBurst < 1 {
		errs = append(errs, "server.eventBurst must be >= 1 when eventsPerSecond is set")
	}
	if cfg.Server.MaxHistory < 0 {
		errs = append(errs, "server.maxHistory must be >= 0")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	switch cfg.Queue.Backend {
	case "sqlite":
	case "redis":
		if cfg.Queue.Redis.Addr == "" {
			errs = append(errs, "queue.redis.addr is required for the redis backend")
		}
		if cfg.Queue.Redis.Prefix == "" {
			errs = append(errs, "queue.redis.prefix is required for the redis backend")
		}
	default:
		errs = append(errs, "queue.backend must be one of: sqlite, redis")
	}

	switch cfg.Data.Backend {
	case "sqlite":
	case "pebble":
		if cfg.Data.PebblePath == "" {
			errs = append(errs, "data.pebblePath is required for the pebble backend")
		}
	default:
		errs = append(errs, "data.backend must be one of: sqlite, pebble")
	}
	if cfg.Data.MaxBlobBytes < 1 {
		errs = append(errs, "data.maxBlobBytes must be >= 1")
	}

	if cfg.Persist.BufferSize < 1 {
		errs = append(errs, "persist.bufferSize must be >= 1")
	}

	if cfg.Retention.Enabled {
		if !gronx.IsValid(cfg.Retention.Cron) {
			errs = append(errs, fmt.Sprintf("retention.cron is not a valid cron expression: %q", cfg.Retention.Cron))
		}
		if cfg.Retention.DataTTLHours < 1 {
			errs = append(errs, "retention.dataTTLHours must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
