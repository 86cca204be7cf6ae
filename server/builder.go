package server

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/config"
	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/maxpert/amqp-engine/transaction"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	selectorCacheTTL      = 10 * time.Minute
	selectorCacheCapacity = 1024
)

// ServerBuilder provides a fluent API for building AMQP servers
type ServerBuilder struct {
	config        *config.AMQPConfig
	logger        *zap.Logger
	store         interfaces.Store
	authenticator auth.Authenticator
	mechanisms    *auth.Registry
	metrics       MetricsCollector
	selectors     *filter.Cache
	fs            afero.Fs
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{config: config.DefaultConfig()}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.AMQPConfig) *ServerBuilder {
	return &ServerBuilder{config: cfg}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(config *config.AMQPConfig) *ServerBuilder {
	b.config = config
	return b
}

// WithLogger sets the logger
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger using zap with the specified level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	logger, err := createZapLogger(level, "")
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	b.logger = logger
	return b
}

// WithStore sets the message store. The configured backend is ignored.
func (b *ServerBuilder) WithStore(store interfaces.Store) *ServerBuilder {
	b.store = store
	return b
}

// WithMemoryStorage uses the in-memory store
func (b *ServerBuilder) WithMemoryStorage() *ServerBuilder {
	b.config.Storage.Backend = "memory"
	return b
}

// WithBadgerStorage persists durable messages in a badger database at path
func (b *ServerBuilder) WithBadgerStorage(path string) *ServerBuilder {
	b.config.Storage.Backend = "badger"
	b.config.Storage.Path = path
	return b
}

// WithAuthenticator sets the password checker and enables authentication
func (b *ServerBuilder) WithAuthenticator(authenticator auth.Authenticator) *ServerBuilder {
	b.authenticator = authenticator
	b.config.Security.AuthenticationEnabled = true
	return b
}

// WithFileAuthentication loads users from a YAML file
func (b *ServerBuilder) WithFileAuthentication(usersFile string) *ServerBuilder {
	b.config.Security.AuthenticationEnabled = true
	b.config.Security.UsersFile = usersFile
	return b
}

// WithMechanisms replaces the default SASL mechanisms
func (b *ServerBuilder) WithMechanisms(registry *auth.Registry) *ServerBuilder {
	b.mechanisms = registry
	return b
}

// WithMetrics sets the metrics collector
func (b *ServerBuilder) WithMetrics(collector MetricsCollector) *ServerBuilder {
	b.metrics = collector
	return b
}

// WithSelectorCache shares a compiled selector cache
func (b *ServerBuilder) WithSelectorCache(cache *filter.Cache) *ServerBuilder {
	b.selectors = cache
	return b
}

// WithFilesystem sets the filesystem the users file is read from
func (b *ServerBuilder) WithFilesystem(fs afero.Fs) *ServerBuilder {
	b.fs = fs
	return b
}

// Build validates the configuration and assembles the server
func (b *ServerBuilder) Build() (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		logger, err = createZapLogger(b.config.Server.LogLevel, b.config.Server.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	store := b.store
	if store == nil {
		var err error
		if store, err = openStore(b.config.Storage, logger); err != nil {
			return nil, err
		}
	}

	authenticator := b.authenticator
	if authenticator == nil && b.config.Security.AuthenticationEnabled {
		fs := b.fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		fileAuth, err := auth.NewFileAuthenticator(fs, b.config.Security.UsersFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load users: %w", err)
		}
		authenticator = fileAuth
	}

	mechanisms := b.mechanisms
	if mechanisms == nil {
		mechanisms = auth.DefaultRegistry(!b.config.Security.AuthenticationEnabled)
	}
	collector := b.metrics
	if collector == nil {
		collector = &NoOpMetricsCollector{}
	}
	selectors := b.selectors
	if selectors == nil {
		selectors = filter.NewCache(selectorCacheTTL, selectorCacheCapacity)
	}

	vhost := broker.NewVirtualHost(b.config.Server.VirtualHost, store, logger,
		broker.WithDefaultMaxDeliveryCount(b.config.Engine.DefaultMaxDeliveryCount),
		broker.WithSelectorCache(selectors))

	memCfg := broker.DefaultMemoryManagerConfig()
	memCfg.MaxMemory = b.config.Engine.MaxQueueMemory

	server := &Server{
		config:        b.config,
		logger:        logger,
		vhost:         vhost,
		store:         store,
		authenticator: authenticator,
		mechanisms:    mechanisms,
		metrics:       collector,
		memory:        broker.NewMemoryManager(vhost, memCfg, logger),
		txStats:       transaction.NewStats(),
		selectors:     selectors,
		startTime:     time.Now(),
		connections:   make(map[string]*Connection),
	}
	server.lifecycle = NewLifecycleManager(server)
	server.lifecycle.RegisterHook(LifecycleHook{
		Name:     "store",
		Priority: 0,
		OnStop: func(context.Context) error {
			return store.Close()
		},
		OnError: func(err error) {
			logger.Error("Lifecycle error", zap.Error(err))
		},
	})

	logger.Info("Server built",
		zap.String("name", b.config.Server.Name),
		zap.String("virtual_host", vhost.Name()),
		zap.String("storage", b.config.Storage.Backend),
		zap.Bool("authentication", b.config.Security.AuthenticationEnabled),
		zap.Strings("mechanisms", mechanisms.List()))
	return server, nil
}

func openStore(cfg interfaces.StorageConfig, logger *zap.Logger) (interfaces.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "badger":
		store, err := storage.NewBadgerStore(storage.BadgerOptions{
			Path:                 cfg.Path,
			SyncWrites:           cfg.SyncWrites,
			CompressionThreshold: cfg.CompressionThreshold,
			CommitWorkers:        cfg.CommitWorkers,
			Logger:               logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store at %s: %w", cfg.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

func createZapLogger(level, logFile string) (*zap.Logger, error) {
	var zapConfig zap.Config

	if level == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(level)
	}

	if logFile != "" {
		zapConfig.OutputPaths = []string{logFile}
	}

	return zapConfig.Build()
}
