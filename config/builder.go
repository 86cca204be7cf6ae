package config

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *AMQPConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from a copy of an existing configuration
func FromConfig(config *AMQPConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Engine Configuration

// WithCloseWhenNoRoute sets whether an unroutable mandatory message in a
// transaction closes the connection
func (b *ConfigBuilder) WithCloseWhenNoRoute(enabled bool) *ConfigBuilder {
	b.config.Engine.CloseWhenNoRoute = enabled
	return b
}

// WithMaxUncommittedInMemorySize sets the flow-to-disk threshold for open transactions
func (b *ConfigBuilder) WithMaxUncommittedInMemorySize(size int64) *ConfigBuilder {
	b.config.Engine.MaxUncommittedInMemorySize = size
	return b
}

// WithFlowControlEnforcementTimeout sets how long a publisher may ignore flow control
func (b *ConfigBuilder) WithFlowControlEnforcementTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Engine.FlowControlEnforcementTimeout = timeout
	return b
}

// WithDefaultPrefetch sets the credit a channel starts with
func (b *ConfigBuilder) WithDefaultPrefetch(count uint16, size uint32) *ConfigBuilder {
	b.config.Engine.DefaultPrefetchCount = count
	b.config.Engine.DefaultPrefetchSize = size
	return b
}

// WithDefaultMaxDeliveryCount sets the delivery limit for queues without x-max-delivery-count
func (b *ConfigBuilder) WithDefaultMaxDeliveryCount(count int) *ConfigBuilder {
	b.config.Engine.DefaultMaxDeliveryCount = count
	return b
}

// WithTransactionTimeouts sets the open-transaction warn and close limits
func (b *ConfigBuilder) WithTransactionTimeouts(warn, close time.Duration) *ConfigBuilder {
	b.config.Engine.TransactionTimeoutOpenWarn = warn
	b.config.Engine.TransactionTimeoutOpenClose = close
	return b
}

// WithHousekeepingInterval sets the period of the housekeeping sweep
func (b *ConfigBuilder) WithHousekeepingInterval(interval time.Duration) *ConfigBuilder {
	b.config.Engine.HousekeepingInterval = interval
	return b
}

// WithMaxMessageSize sets the largest accepted body
func (b *ConfigBuilder) WithMaxMessageSize(size int64) *ConfigBuilder {
	b.config.Engine.MaxMessageSize = size
	return b
}

// WithMaxQueueMemory bounds queued bytes held in memory
func (b *ConfigBuilder) WithMaxQueueMemory(size int64) *ConfigBuilder {
	b.config.Engine.MaxQueueMemory = size
	return b
}

// Storage Configuration

// WithMemoryStorage configures in-memory storage
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = "memory"
	return b
}

// WithBadgerStorage configures Badger storage
func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = "badger"
	b.config.Storage.Path = path
	return b
}

// WithSyncWrites enables/disables synchronous writes
func (b *ConfigBuilder) WithSyncWrites(enabled bool) *ConfigBuilder {
	b.config.Storage.SyncWrites = enabled
	return b
}

// WithCompressionThreshold sets the body size from which bodies are compressed
func (b *ConfigBuilder) WithCompressionThreshold(bytes int) *ConfigBuilder {
	b.config.Storage.CompressionThreshold = bytes
	return b
}

// WithCommitWorkers sets the number of concurrent asynchronous commits
func (b *ConfigBuilder) WithCommitWorkers(workers int64) *ConfigBuilder {
	b.config.Storage.CommitWorkers = workers
	return b
}

// Security Configuration

// WithFileAuthentication enables authentication against a users file
func (b *ConfigBuilder) WithFileAuthentication(usersFile string) *ConfigBuilder {
	b.config.Security.AuthenticationEnabled = true
	b.config.Security.UsersFile = usersFile
	return b
}

// Server Configuration

// WithServerName sets the server name
func (b *ConfigBuilder) WithServerName(name string) *ConfigBuilder {
	b.config.Server.Name = name
	return b
}

// WithVirtualHost sets the virtual host name
func (b *ConfigBuilder) WithVirtualHost(vhost string) *ConfigBuilder {
	b.config.Server.VirtualHost = vhost
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Server.LogLevel = level
	b.config.Server.LogFile = logFile
	return b
}

// WithMetrics enables the Prometheus endpoint on port
func (b *ConfigBuilder) WithMetrics(port int, namespace string) *ConfigBuilder {
	b.config.Metrics.Enabled = true
	b.config.Metrics.Port = port
	b.config.Metrics.Namespace = namespace
	return b
}

// Build returns the configured AMQPConfig
func (b *ConfigBuilder) Build() (*AMQPConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured AMQPConfig without validation
func (b *ConfigBuilder) BuildUnsafe() *AMQPConfig {
	return b.config
}
