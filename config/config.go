package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/interfaces"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. Sections and keys are
// separated by a double underscore, e.g. AMQP_ENGINE__CLOSE_WHEN_NO_ROUTE.
const EnvPrefix = "AMQP_"

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *AMQPConfig {
	return &AMQPConfig{
		Engine: interfaces.EngineConfig{
			CloseWhenNoRoute:              true,
			MaxUncommittedInMemorySize:    10 * 1024 * 1024, // 10MB
			FlowControlEnforcementTimeout: 5 * time.Second,
			DefaultPrefetchCount:          0,
			DefaultPrefetchSize:           0,
			DefaultMaxDeliveryCount:       0,
			TransactionTimeoutOpenWarn:    0,
			TransactionTimeoutOpenClose:   0,
			HousekeepingInterval:          time.Second,
			MaxMessageSize:                16 * 1024 * 1024, // 16MB
			MaxQueueMemory:                0,
			MaxDeliveriesPerPass:          64,
		},
		Storage: interfaces.StorageConfig{
			Backend:              "memory",
			Path:                 "./data",
			SyncWrites:           false,
			CompressionThreshold: 4096,
			CommitWorkers:        4,
		},
		Security: interfaces.SecurityConfig{
			AuthenticationEnabled: false,
			UsersFile:             "./users.yaml",
		},
		Server: interfaces.ServerConfig{
			Name:        "amqp-engine",
			VirtualHost: "/",
			LogLevel:    "info",
			LogFile:     "",
		},
		Metrics: interfaces.MetricsConfig{
			Enabled:   false,
			Port:      9419,
			Namespace: "amqp",
		},
	}
}

// AMQPConfig is the complete engine configuration
type AMQPConfig struct {
	Engine   interfaces.EngineConfig   `koanf:"engine" yaml:"engine"`
	Storage  interfaces.StorageConfig  `koanf:"storage" yaml:"storage"`
	Security interfaces.SecurityConfig `koanf:"security" yaml:"security"`
	Server   interfaces.ServerConfig   `koanf:"server" yaml:"server"`
	Metrics  interfaces.MetricsConfig  `koanf:"metrics" yaml:"metrics"`
}

// Validate validates the configuration
func (c *AMQPConfig) Validate() error {
	e := c.Engine
	if e.MaxMessageSize <= 0 {
		return amqperrors.NewConfigValidationError("engine", "max_message_size", "must be positive")
	}
	if e.MaxUncommittedInMemorySize < 0 {
		return amqperrors.NewConfigValidationError("engine", "max_uncommitted_in_memory_size", "must not be negative")
	}
	if e.FlowControlEnforcementTimeout < 0 {
		return amqperrors.NewConfigValidationError("engine", "flow_control_enforcement_timeout", "must not be negative")
	}
	if e.DefaultMaxDeliveryCount < 0 {
		return amqperrors.NewConfigValidationError("engine", "default_max_delivery_count", "must not be negative")
	}
	if e.TransactionTimeoutOpenWarn < 0 || e.TransactionTimeoutOpenClose < 0 {
		return amqperrors.NewConfigValidationError("engine", "transaction_timeout_open", "must not be negative")
	}
	if e.TransactionTimeoutOpenWarn > 0 && e.TransactionTimeoutOpenClose > 0 &&
		e.TransactionTimeoutOpenWarn >= e.TransactionTimeoutOpenClose {
		return amqperrors.NewConfigValidationError("engine", "transaction_timeout_open_warn", "must be shorter than the close timeout")
	}
	if e.HousekeepingInterval <= 0 {
		return amqperrors.NewConfigValidationError("engine", "housekeeping_interval", "must be positive")
	}
	if e.MaxQueueMemory < 0 {
		return amqperrors.NewConfigValidationError("engine", "max_queue_memory", "must not be negative")
	}
	if e.MaxDeliveriesPerPass <= 0 {
		return amqperrors.NewConfigValidationError("engine", "max_deliveries_per_pass", "must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return amqperrors.NewConfigValidationError("storage", "path", "required for the badger backend")
		}
	default:
		return amqperrors.NewConfigValidationError("storage", "backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.CommitWorkers <= 0 {
		return amqperrors.NewConfigValidationError("storage", "commit_workers", "must be positive")
	}
	if c.Storage.CompressionThreshold < 0 {
		return amqperrors.NewConfigValidationError("storage", "compression_threshold", "must not be negative")
	}

	if c.Security.AuthenticationEnabled && c.Security.UsersFile == "" {
		return amqperrors.NewConfigValidationError("security", "users_file", "required when authentication is enabled")
	}

	if c.Server.VirtualHost == "" {
		return amqperrors.NewConfigValidationError("server", "virtual_host", "cannot be empty")
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return amqperrors.NewConfigValidationError("server", "log_level", fmt.Sprintf("unknown level %q", c.Server.LogLevel))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return amqperrors.NewConfigValidationError("metrics", "port", fmt.Sprintf("invalid port %d", c.Metrics.Port))
	}

	return nil
}

// Load reads configuration from a YAML file, then applies AMQP_ environment
// overrides, on top of the current values. An empty path skips the file.
func (c *AMQPConfig) Load(path string) error {
	return c.load(path, nil)
}

func (c *AMQPConfig) load(path string, environ func() []string) error {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return amqperrors.NewConfigError(fmt.Sprintf("cannot read configuration file %s", path), "file", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return amqperrors.NewConfigError(fmt.Sprintf("failed to parse configuration file %s", path), "file", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
		EnvironFunc:   environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return amqperrors.NewConfigError("failed to read environment overrides", "env", "", err)
	}

	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return amqperrors.NewConfigError("failed to decode configuration", "", "", err)
	}
	return c.Validate()
}

// envKey maps AMQP_ENGINE__MAX_MESSAGE_SIZE to engine.max_message_size
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", "."), value
}

// Load returns the defaults overlaid with the file at path and the
// environment
func Load(path string) (*AMQPConfig, error) {
	cfg := DefaultConfig()
	if err := cfg.Load(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *AMQPConfig) Save(destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
