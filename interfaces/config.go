package interfaces

import (
	"time"
)

// EngineConfig holds protocol engine behaviour
type EngineConfig struct {
	// Close the whole connection when a mandatory message published in a
	// transaction has no route
	CloseWhenNoRoute bool `koanf:"close_when_no_route" yaml:"close_when_no_route"`

	// Uncommitted bytes a transaction may hold in memory before bodies are
	// flowed to disk (0 = never)
	MaxUncommittedInMemorySize int64 `koanf:"max_uncommitted_in_memory_size" yaml:"max_uncommitted_in_memory_size"`

	// How long a publisher may ignore channel.flow(active=false)
	FlowControlEnforcementTimeout time.Duration `koanf:"flow_control_enforcement_timeout" yaml:"flow_control_enforcement_timeout"`

	// Credit given to a new channel before basic.qos
	DefaultPrefetchCount uint16 `koanf:"default_prefetch_count" yaml:"default_prefetch_count"`
	DefaultPrefetchSize  uint32 `koanf:"default_prefetch_size" yaml:"default_prefetch_size"`

	// Maximum delivery attempts for queues that do not set one (0 = unlimited)
	DefaultMaxDeliveryCount int `koanf:"default_max_delivery_count" yaml:"default_max_delivery_count"`

	// Open transaction limits (0 = disabled)
	TransactionTimeoutOpenWarn  time.Duration `koanf:"transaction_timeout_open_warn" yaml:"transaction_timeout_open_warn"`
	TransactionTimeoutOpenClose time.Duration `koanf:"transaction_timeout_open_close" yaml:"transaction_timeout_open_close"`

	// Period of the housekeeping sweep
	HousekeepingInterval time.Duration `koanf:"housekeeping_interval" yaml:"housekeeping_interval"`

	// Largest accepted message body
	MaxMessageSize int64 `koanf:"max_message_size" yaml:"max_message_size"`

	// Queued bytes held in memory across the virtual host before message
	// bodies are flowed to disk (0 = unlimited)
	MaxQueueMemory int64 `koanf:"max_queue_memory" yaml:"max_queue_memory"`

	// Deliveries one channel makes before yielding the connection loop
	MaxDeliveriesPerPass int `koanf:"max_deliveries_per_pass" yaml:"max_deliveries_per_pass"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	// Backend type ("memory" or "badger")
	Backend string `koanf:"backend" yaml:"backend"`

	// Directory for the badger backend
	Path string `koanf:"path" yaml:"path"`

	// Fsync every commit
	SyncWrites bool `koanf:"sync_writes" yaml:"sync_writes"`

	// Bodies at least this large are snappy-compressed (0 = never)
	CompressionThreshold int `koanf:"compression_threshold" yaml:"compression_threshold"`

	// Concurrent asynchronous commits
	CommitWorkers int64 `koanf:"commit_workers" yaml:"commit_workers"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	AuthenticationEnabled bool   `koanf:"authentication_enabled" yaml:"authentication_enabled"`
	UsersFile             string `koanf:"users_file" yaml:"users_file"`
}

// ServerConfig holds server identification and logging
type ServerConfig struct {
	Name        string `koanf:"name" yaml:"name"`
	VirtualHost string `koanf:"virtual_host" yaml:"virtual_host"`
	LogLevel    string `koanf:"log_level" yaml:"log_level"`
	LogFile     string `koanf:"log_file" yaml:"log_file"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	Port      int    `koanf:"port" yaml:"port"`
	Namespace string `koanf:"namespace" yaml:"namespace"`
}
