package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/amqp-engine/config"
	"github.com/maxpert/amqp-engine/metrics"
	"github.com/maxpert/amqp-engine/server"
	"go.uber.org/zap"
)

const (
	version = "0.9.1"
	banner  = `
    ___    __  _______  ____        ______            _
   /   |  /  |/  / __ \/ __ \      / ____/___  ____ _(_)___  ___
  / /| | / /|_/ / / / / /_/ /_____/ __/ / __ \/ __ '/ / __ \/ _ \
 / ___ |/ /  / / /_/ / ____/_____/ /___/ / / / /_/ / / / / /  __/
/_/  |_/_/  /_/\___\_/_/        /_____/_/ /_/\__, /_/_/ /_/\___/
                                            /____/
AMQP 0.9.1 Broker Engine
Version: %s
`
)

func main() {
	var (
		configFile     = flag.String("config", "", "Configuration file path (YAML)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
		generateConfig = flag.String("generate-config", "", "Generate default config file and exit (e.g., config.yaml)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("AMQP engine version %s\n", version)
		return
	}

	if *generateConfig != "" {
		cfg := config.DefaultConfig()
		if err := cfg.Save(*generateConfig); err != nil {
			log.Fatalf("Failed to generate config file: %v", err)
		}
		fmt.Printf("Generated default configuration: %s\n", *generateConfig)
		fmt.Println("Edit the file and start the engine with: amqp-engine --config " + *generateConfig)
		return
	}

	fmt.Printf(banner, version)

	// Defaults, then the file if given, then AMQP_* environment overrides
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	builder := server.NewServerBuilderWithConfig(cfg)
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
		builder = builder.WithMetrics(collector)
	}

	srv, err := builder.Build()
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	logger := srv.Logger()
	defer logger.Sync()

	if _, err := srv.Recover(); err != nil {
		logger.Fatal("Recovery failed", zap.Error(err))
	}

	if collector != nil {
		registerMetricsServer(srv, cfg.Metrics.Port, collector)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Lifecycle().Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	logger.Info("Engine ready",
		zap.String("virtual_host", srv.VirtualHost().Name()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Strings("mechanisms", srv.Mechanisms()))

	<-ctx.Done()
	logger.Info("Shutting down engine gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Lifecycle().Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

// registerMetricsServer serves /metrics and /health for as long as the
// engine runs
func registerMetricsServer(srv *server.Server, port int, collector *metrics.Collector) {
	httpServer := metrics.NewServer(port, collector.Registry(), srv.HealthCheck)
	logger := srv.Logger()

	srv.Lifecycle().RegisterHook(server.LifecycleHook{
		Name:     "metrics",
		Priority: 10,
		OnStart: func(context.Context) error {
			go func() {
				if err := httpServer.Start(); err != nil {
					logger.Error("Metrics server failed", zap.Error(err))
				}
			}()
			logger.Info("Metrics server listening",
				zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", httpServer.Port())),
				zap.String("health", fmt.Sprintf("http://localhost:%d/health", httpServer.Port())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Stop(ctx)
		},
		OnError: func(err error) {
			logger.Error("Metrics lifecycle error", zap.Error(err))
		},
	})
}
